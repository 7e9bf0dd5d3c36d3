package classifier

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dhcgn/winesync/model"
)

const (
	// MaxPromptText is the number of characters of email text sent to the model.
	MaxPromptText = 12000
	// MinTextLength is the shortest text worth a model call.
	MinTextLength = 50
)

// AttachmentText is text extracted from one attachment.
type AttachmentText struct {
	Filename string
	Text     string
}

// ComposeText builds the classifier input from an email and the text of its
// order-like attachments. It returns "" when the body and attachment text
// together are shorter than MinTextLength.
func ComposeText(email model.Email, attachments []AttachmentText) string {
	body := strings.TrimSpace(email.Body)
	content := utf8.RuneCountInString(body)

	var docs []AttachmentText
	for _, att := range attachments {
		if text := strings.TrimSpace(att.Text); text != "" {
			docs = append(docs, att)
			content += utf8.RuneCountInString(text)
		}
	}
	if content < MinTextLength {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Objet: %s\n", strings.TrimSpace(email.Subject))
	fmt.Fprintf(&sb, "Expéditeur: %s\n", strings.TrimSpace(email.From))
	// Attachments go first: invoices are the most reliable source and must
	// survive truncation.
	for _, doc := range docs {
		fmt.Fprintf(&sb, "\n--- Pièce jointe: %s ---\n%s\n", doc.Filename, strings.TrimSpace(doc.Text))
	}
	if body != "" {
		fmt.Fprintf(&sb, "\n--- Corps du message ---\n%s\n", body)
	}
	return sb.String()
}

// BuildPrompt wraps the email text in the extraction instructions.
func BuildPrompt(text string) string {
	return fmt.Sprintf(promptTemplate, truncate(text, MaxPromptText))
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

const promptTemplate = `Tu analyses un email reçu d'un caviste (le contenu peut contenir du HTML : ignore balises et CSS).

1. Décide si l'email est une VRAIE confirmation d'achat de vin (confirmation de commande, facture, bon de livraison d'une commande passée).
   Ce n'est PAS une commande : newsletter, promotion, offre, invitation, simple avis d'expédition sans détail d'achat.
   Dans ce cas réponds avec "is_order": false et une liste "items" vide.

2. Si c'est une commande, renvoie une entrée par vin acheté, dans l'ordre de l'email, avec :
   - region : région viticole (ex. Bourgogne)
   - aoc : appellation (ex. Chablis)
   - producer : domaine ou château
   - vintage : millésime (année), vide si non millésimé
   - cuvee : nom de la cuvée, vide si aucun
   - format : contenance de la bouteille, 75cl si non précisé
   - color : Rouge, Blanc ou Rosé
   - quantity : nombre de bouteilles
   - unit_price : prix unitaire

Réponds UNIQUEMENT avec un objet JSON de cette forme :
{
  "is_order": true,
  "order_number": "",
  "total_price": "",
  "items": [
    {"region": "", "aoc": "", "producer": "", "vintage": "", "cuvee": "", "format": "", "color": "", "quantity": "", "unit_price": ""}
  ]
}

Email :
%s
`
