package extract

import (
	"net/url"
	"strings"

	"github.com/google/uuid"

	"omnimap/internal/domain"
)

// NewRequest builds an InputRequest with a fresh id and a kind inferred
// from the content.
func NewRequest(platform domain.Platform, content string, user *domain.UserRef, chat *domain.ChatRef) domain.InputRequest {
	content = strings.TrimSpace(content)
	return domain.InputRequest{
		ID:       uuid.NewString(),
		Platform: platform,
		Kind:     ClassifyContent(content),
		Content:  content,
		User:     user,
		Chat:     chat,
	}
}

// ClassifyContent returns KindURL for a lone http(s) link, KindText for
// any other non-empty content, and KindUnknown for blank input.
func ClassifyContent(content string) domain.InputKind {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.KindUnknown
	}
	if !strings.ContainsAny(content, " \n\t") {
		if u, err := url.Parse(content); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			return domain.KindURL
		}
	}
	return domain.KindText
}

// FirstURL returns the first http(s) token in text, or "".
func FirstURL(text string) string {
	for _, tok := range strings.Fields(text) {
		if ClassifyContent(tok) == domain.KindURL {
			return tok
		}
	}
	return ""
}
