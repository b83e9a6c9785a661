package cli

import (
	"cmp"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-candidate/internal/config"
	"github.com/stemsi/exstem-candidate/internal/model"
)

var errNoIdentity = errors.New("candidate id unknown: set CANDIDATE_ID or use a token with a subject")

type tokenClaims struct {
	jwt.RegisteredClaims
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// candidateFrom takes the identity from configuration, filling the gaps from the token's
// claims. The token is not verified here; the exam service does that.
func candidateFrom(cfg *config.Config) (model.Candidate, error) {
	c := model.Candidate{ID: cfg.CandidateID, Name: cfg.CandidateName, Picture: cfg.CandidatePicture}
	if cfg.CandidateToken != "" && (c.ID == "" || c.Name == "" || c.Picture == "") {
		var claims tokenClaims
		if _, _, err := jwt.NewParser().ParseUnverified(cfg.CandidateToken, &claims); err != nil {
			if c.ID == "" {
				return c, fmt.Errorf("read candidate token: %w", err)
			}
		} else {
			c.ID = cmp.Or(c.ID, claims.Subject)
			c.Name = cmp.Or(c.Name, claims.Name)
			c.Picture = cmp.Or(c.Picture, claims.Picture)
		}
	}
	if c.ID == "" {
		return c, errNoIdentity
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	return c, nil
}
