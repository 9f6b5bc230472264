package quality

// brevityVariants are appended on each quality retry, increasingly terse.
var brevityVariants = []string{
	"Be extremely brief: reply in one or two short, complete sentences.",
	"Be extremely brief: reply in a single short sentence that ends with punctuation.",
	"Be extremely brief: a few words only, ending with punctuation or an emoji.",
}

// BrevityInstruction returns the instruction for the given retry (1-based).
// Retries past the end reuse the tersest variant.
func BrevityInstruction(retry int) string {
	if retry < 1 {
		retry = 1
	}
	if retry > len(brevityVariants) {
		retry = len(brevityVariants)
	}
	return brevityVariants[retry-1]
}
