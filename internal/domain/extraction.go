package domain

import (
	"context"
	"log/slog"
	"time"
)

// Platform identifies where an extraction request came from.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformAPI      Platform = "api"
	PlatformWorker   Platform = "worker"
	PlatformCLI      Platform = "cli"
	PlatformUnknown  Platform = "unknown"
)

// InputKind classifies the content of an extraction request.
type InputKind string

const (
	KindText             InputKind = "text"
	KindURL              InputKind = "url"
	KindInstagramMessage InputKind = "instagram_message"
	KindTikTokMessage    InputKind = "tiktok_message"
	KindUnknown          InputKind = "unknown"
)

type UserRef struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type ChatRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// InputRequest is a single unit of content to extract places from.
// Treat it as read-only once built.
type InputRequest struct {
	ID       string         `json:"id"`
	Platform Platform       `json:"platform"`
	Kind     InputKind      `json:"kind"`
	Content  string         `json:"content"`
	User     *UserRef       `json:"user,omitempty"`
	Chat     *ChatRef       `json:"chat,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PlaceCandidate is a place name proposed by an extractor.
type PlaceCandidate struct {
	Name       string         `json:"name"`
	From       string         `json:"from,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ExtractionResult is what the router hands back for every request.
// Places is never nil after routing.
type ExtractionResult struct {
	Places   []PlaceCandidate `json:"places"`
	Warnings []string         `json:"warnings,omitempty"`
	Summary  string           `json:"summary,omitempty"`
	Meta     map[string]any   `json:"meta,omitempty"`
}

// PluginContext carries per-call facilities into an extractor.
type PluginContext struct {
	Logger    *slog.Logger
	StartedAt time.Time
}

// ExtractorPlugin is a named extractor that scores and handles requests.
type ExtractorPlugin interface {
	Name() string
	// CanHandle returns a confidence in [0,1]. Values outside the range are clamped by the router.
	CanHandle(req InputRequest) float64
	Extract(ctx context.Context, req InputRequest, pctx PluginContext) (*ExtractionResult, error)
}
