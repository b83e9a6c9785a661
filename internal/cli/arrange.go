package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-candidate/internal/examapi"
	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/shuffle"
	"gopkg.in/yaml.v3"
)

func newArrangeCommand(a *app) *cobra.Command {
	var (
		file      string
		candidate string
	)
	cmd := &cobra.Command{
		Use:   "arrange <exam-id>",
		Short: "Print the question and option order a candidate will see",
		Long: "Reads the exam from a fixture file with --file, or fetches it from the exam service\n" +
			"with CANDIDATE_TOKEN, and prints the order for --candidate (default: the configured\n" +
			"candidate).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			examID := args[0]
			if candidate == "" {
				c, err := candidateFrom(a.cfg)
				if err != nil {
					return err
				}
				candidate = c.ID
			}

			var (
				def *model.ExamDefinition
				err error
			)
			if file != "" {
				def, err = examFromFile(file, examID)
			} else {
				def, err = a.fetchExam(cmd.Context(), examID)
			}
			if err != nil {
				return err
			}
			printArrangement(cmd.OutOrStdout(), shuffle.Arrange(def, candidate), candidate)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "fixture file holding the exam")
	cmd.Flags().StringVarP(&candidate, "candidate", "c", "", "candidate id to arrange for")
	return cmd
}

func (a *app) fetchExam(ctx context.Context, examID string) (*model.ExamDefinition, error) {
	if a.cfg.CandidateToken == "" {
		return nil, errTokenRequired
	}
	client := examapi.NewClient(a.cfg.ExamServiceURL, a.cfg.CandidateToken, &http.Client{Timeout: a.cfg.RequestTimeout}, a.log)
	fetched, err := client.FetchExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	return &fetched.Envelope.Exam, nil
}

// examFromFile picks examID out of a fixture file. Fixture-only keys such as start_in are
// ignored.
func examFromFile(path, examID string) (*model.ExamDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var file struct {
		Exams []model.ExamDefinition `yaml:"exams"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	for i := range file.Exams {
		if file.Exams[i].ID == examID {
			return &file.Exams[i], nil
		}
	}
	return nil, fmt.Errorf("exam %q not in %s", examID, path)
}

func printArrangement(w io.Writer, def *model.ExamDefinition, candidateID string) {
	fmt.Fprintf(w, "%s for %s (shuffle questions: %t, options: %t)\n",
		def.ID, candidateID, def.ShuffleQuestions, def.ShuffleOptions)
	n := 0
	show := func(q model.Question) {
		n++
		fmt.Fprintf(w, "  %2d. %s\n", n, q.ID)
		for i, opt := range q.Options {
			fmt.Fprintf(w, "        %c) %s\n", 'a'+i, opt)
		}
	}
	for _, sec := range def.Sections {
		fmt.Fprintf(w, "[%s]\n", sec.ID)
		for _, q := range sec.Questions {
			show(q)
		}
	}
	if len(def.UngroupedQuestions) > 0 {
		fmt.Fprintln(w, "[ungrouped]")
	}
	for _, q := range def.UngroupedQuestions {
		show(q)
	}
}
