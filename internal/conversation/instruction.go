package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/MegaGrindStone/bank-assistant/internal/banking"
	"github.com/MegaGrindStone/bank-assistant/internal/i18n"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
)

// Profile is what the system instruction is built from. A session is bound to one profile; when any part of it
// changes the session has to be recreated.
type Profile struct {
	User     models.User
	Language string
	Cards    []models.Card
	Loans    []models.Loan
}

// Fingerprint identifies the parts of the profile baked into the system instruction. Balances are left out since
// the model reads them through tools.
func (p Profile) Fingerprint() string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, s := range parts {
			h.Write([]byte(s))
			h.Write([]byte{0})
		}
	}

	write(p.User.ID, p.User.DisplayName, i18n.Normalize(p.Language))
	contacts := make([]string, 0, len(p.User.Contacts))
	for _, c := range p.User.Contacts {
		contacts = append(contacts, strings.Join([]string{c.Name, c.Email, c.Phone, c.AccountNumber}, "|"))
	}
	sort.Strings(contacts)
	write(contacts...)
	for _, c := range p.Cards {
		write(c.ID, c.Type, c.Last4(), string(c.Status))
	}
	for _, l := range p.Loans {
		write(l.ID, l.Type, string(l.Status))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SystemInstruction renders the instruction the model gets for the profile.
func SystemInstruction(p Profile) string {
	var sb strings.Builder
	lang := i18n.Name(p.Language)

	fmt.Fprintf(&sb, "You are the banking assistant of the mobile banking app, talking with %s.\n", p.User.DisplayName)
	fmt.Fprintf(&sb, "Always answer in %s, even if the user writes in another language.\n", lang)
	sb.WriteString("Keep answers short and friendly; they may be read aloud.\n\n")

	sb.WriteString("Use the tools to read account data and to act on it. Never invent balances, dates or amounts: ")
	sb.WriteString("quote the figures the tools return.\n")
	sb.WriteString("Payments, card and loan applications and payment extensions ask the user to confirm with their ")
	sb.WriteString("passkey or PIN before anything happens. If a tool result says the user cancelled, tell them nothing ")
	sb.WriteString("was changed and do not call the tool again unless they ask.\n")
	sb.WriteString("Before applying for a card or a loan, collect every required detail from the user.\n")
	sb.WriteString("When several operations are requested at once, call the tools one after another in the order asked.\n\n")

	if len(p.User.Contacts) > 0 {
		sb.WriteString("Known contacts (use them as recipients without asking for details):\n")
		for _, c := range p.User.Contacts {
			fmt.Fprintf(&sb, "- %s", c.Name)
			var refs []string
			if c.AccountNumber != "" {
				refs = append(refs, "account "+c.AccountNumber)
			}
			if c.Email != "" {
				refs = append(refs, c.Email)
			}
			if c.Phone != "" {
				refs = append(refs, c.Phone)
			}
			if len(refs) > 0 {
				fmt.Fprintf(&sb, " (%s)", strings.Join(refs, ", "))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if len(p.Cards) > 0 {
		sb.WriteString("Cards:\n")
		for _, c := range p.Cards {
			fmt.Fprintf(&sb, "- %s card ending in %s (id %s, %s)\n", c.Type, c.Last4(), c.ID, c.Status)
		}
		sb.WriteString("\n")
	}
	if len(p.Loans) > 0 {
		sb.WriteString("Loans:\n")
		for _, l := range p.Loans {
			fmt.Fprintf(&sb, "- %s loan (id %s, %s)\n", l.Type, l.ID, l.Status)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Tool schema version: %s.", banking.SchemaVersion)
	return sb.String()
}
