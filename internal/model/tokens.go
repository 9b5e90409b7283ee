package model

// Token estimation. Provider-native counters win when implemented;
// otherwise text is estimated at one token per four characters and media
// parts at conservative constants by kind.

const (
	charsPerToken = 4

	imageTokensLow  = 85
	imageTokensHigh = 1100
	audioTokens     = 400
	videoTokens     = 1500
	documentTokens  = 1000
)

// CountTextTokens estimates tokens for a text string.
func CountTextTokens(api API, text string) int {
	if tc, ok := api.(TextTokenCounter); ok {
		return tc.CountTextTokens(text)
	}
	return len(text) / charsPerToken
}

// CountContentTokens estimates tokens for one content part.
func CountContentTokens(api API, c Content) int {
	switch c.Type {
	case ContentText:
		return CountTextTokens(api, c.Text)
	case ContentReasoning:
		return CountTextTokens(api, c.Reasoning)
	}
	if mc, ok := api.(MediaTokenCounter); ok {
		return mc.CountMediaTokens(c)
	}
	switch c.Type {
	case ContentImage:
		if c.Detail == "low" {
			return imageTokensLow
		}
		return imageTokensHigh
	case ContentAudio:
		return audioTokens
	case ContentVideo:
		return videoTokens
	case ContentDocument:
		return documentTokens
	default:
		return 0
	}
}

// CountMessageTokens estimates tokens for a whole message list.
func CountMessageTokens(api API, messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		for _, c := range m.Content {
			total += CountContentTokens(api, c)
		}
	}
	return total
}
