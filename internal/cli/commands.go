package cli

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/stemsi/exstem-candidate/internal/session"
)

// attempt is the part of *session.Session the command reader drives.
type attempt interface {
	Answer(questionID string, values []string) <-chan error
	Submit() <-chan error
	Leave()
	Visibility(hidden bool)
	Blur(textInputActive bool)
	Focus()
	State() session.State
}

const helpText = `Perintah:
  answer <id> <nilai>[|<nilai>...]  simpan jawaban (kosongkan nilai untuk menghapus)
  submit                            kirim jawaban
  blur [typing]                     jendela kehilangan fokus
  focus                             jendela kembali fokus
  hide | show                       halaman disembunyikan / ditampilkan
  status | time                     keadaan ujian / sisa waktu
  leave                             keluar dari ujian
`

// readCommands feeds console lines to the attempt until leave or end of input. Closing the
// input counts as leaving.
func readCommands(ctx context.Context, in io.Reader, a attempt, con *Console) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if quit := execute(ctx, scanner.Text(), a, con); quit {
			return
		}
	}
	a.Leave()
}

// execute runs one command line and reports whether the reader should stop.
func execute(ctx context.Context, line string, a attempt, con *Console) bool {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case "":
	case "answer", "a":
		id, value, _ := strings.Cut(rest, " ")
		if id == "" {
			con.Printf("Pemakaian: answer <id> <nilai>[|<nilai>...]\n")
			return false
		}
		if err := await(ctx, a.Answer(id, splitValues(value))); err != nil {
			con.Printf("! %v\n", err)
			return false
		}
		con.Printf("Jawaban %s disimpan.\n", id)
	case "submit":
		// Success renders through the view.
		if err := await(ctx, a.Submit()); err != nil {
			con.Printf("! %v\n", err)
		}
	case "blur":
		a.Blur(rest == "typing")
	case "focus":
		a.Focus()
	case "hide":
		a.Visibility(true)
	case "show":
		a.Visibility(false)
	case "status":
		con.Printf("%s\n", session.Describe(a.State()))
	case "time":
		if remaining, ok := con.Remaining(); ok {
			con.Printf("Sisa waktu %s\n", formatRemaining(remaining))
		} else {
			con.Printf("Waktu belum berjalan.\n")
		}
	case "help", "?":
		con.Printf("%s", helpText)
	case "leave", "quit", "exit":
		a.Leave()
		return true
	default:
		con.Printf("Perintah %q tidak dikenal, ketik help.\n", name)
	}
	return false
}

func await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitValues turns "a|b" into its trimmed non-empty parts. A blank value clears the answer.
func splitValues(s string) []string {
	var out []string
	for _, v := range strings.Split(s, "|") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
