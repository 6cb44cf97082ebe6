package reconcile

import "github.com/orcabot-dev/orcabot/internal/domain"

// Affirmative replies are matched exactly after normalization. Anything else
// in AWAITING_CONFIRMATION is treated as an edit instruction, so this set
// stays small and unambiguous.
var affirmatives = map[string]bool{
	"sim":         true,
	"s":           true,
	"ok":          true,
	"pode seguir": true,
	"pode salvar": true,
	"confirmo":    true,
	"confirmar":   true,
	"correto":     true,
	"certo":       true,
	"isso":        true,
	"manda ver":   true,
	"yes":         true,
	"confirm":     true,
}

var cancellations = map[string]bool{
	"cancelar":     true,
	"cancela":      true,
	"/cancel":      true,
	"cancel":       true,
	"nao quero":    true,
	"deixa pra la": true,
}

// IsAffirmative reports whether the reply confirms the presented draft.
func IsAffirmative(text string) bool {
	return affirmatives[domain.NormalizeName(text)]
}

// IsCancellation reports whether the reply abandons the conversation.
func IsCancellation(text string) bool {
	return cancellations[domain.NormalizeName(text)]
}
