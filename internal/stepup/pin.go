package stepup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PromptFunc asks the user for a secret. An empty answer means the user declined.
type PromptFunc func(ctx context.Context, ch Challenge) (string, error)

// PINAuthenticator verifies a PIN against a bcrypt hash. It is the authenticator of the terminal client.
type PINAuthenticator struct {
	Hash   []byte
	Prompt PromptFunc
}

// HashPIN returns the bcrypt hash to put in the configuration.
func HashPIN(pin string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
}

// Authenticate implements Authenticator.
func (a PINAuthenticator) Authenticate(ctx context.Context, ch Challenge) (bool, error) {
	if len(a.Hash) == 0 {
		// Nothing enrolled.
		return false, nil
	}
	pin, err := a.Prompt(ctx, ch)
	if err != nil {
		return false, err
	}
	if pin == "" {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword(a.Hash, []byte(pin)) == nil, nil
}

// LinePrompt writes the challenge summary to w and reads one line from r. The read is abandoned when ctx ends.
func LinePrompt(r io.Reader, w io.Writer) PromptFunc {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()

	return func(ctx context.Context, ch Challenge) (string, error) {
		fmt.Fprintf(w, "\nConfirm: %s\nEnter PIN (empty to cancel): ", ch.Summary)
		select {
		case line, ok := <-lines:
			if !ok {
				return "", io.EOF
			}
			return line, nil
		case <-ctx.Done():
			fmt.Fprintln(w, "\nTimed out.")
			return "", nil
		}
	}
}
