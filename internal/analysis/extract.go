package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	visionPrompt = "Extract on-screen text and any place names per frame."
	visionFormat = `Respond with JSON: {"frames":[{"timecode":"HH:MM:SS","texts":["..."],"placeMentions":["..."]}]}`

	transcriptPrompt = "From the transcript and caption of a short food/travel reel, extract likely venue/place names mentioned. Be conservative and avoid generic words. Output 1-5 names."
	transcriptFormat = `Respond with JSON: {"candidates":[{"name":"...","rationale":"..."}]}`

	maxTranscriptCandidates = 5
)

// FrameOverlay is the per-frame output of visual analysis.
type FrameOverlay struct {
	Timecode      string   `json:"timecode"`
	Texts         []string `json:"texts"`
	PlaceMentions []string `json:"placeMentions"`
}

// Candidate is a place name proposed from a transcript or caption.
type Candidate struct {
	Name      string `json:"name"`
	Rationale string `json:"rationale,omitempty"`
}

// AnalyzeFrames sends up to MaxVisionFrames frames as inline images and
// returns what the model read off each one.
func (c *Client) AnalyzeFrames(ctx context.Context, framePaths, timecodes []string) ([]FrameOverlay, error) {
	if len(framePaths) == 0 {
		return nil, nil
	}
	parts := []contentPart{{Type: "text", Text: visionPrompt + " " + visionFormat}}
	for i, p := range framePaths {
		if i >= c.maxFrames {
			break
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		tc := ""
		if i < len(timecodes) {
			tc = timecodes[i]
		}
		parts = append(parts,
			contentPart{Type: "text", Text: fmt.Sprintf("Frame %d at %s", i+1, tc)},
			contentPart{Type: "image_url", ImageURL: &imageURL{URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)}},
		)
	}

	raw, err := c.chatJSON(ctx, []chatMessage{{Role: "user", Content: parts}}, frameSchema)
	if err != nil {
		return nil, fmt.Errorf("analyze frames: %w", err)
	}
	var out struct {
		Frames []FrameOverlay `json:"frames"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode frames: %w", err)
	}
	return out.Frames, nil
}

// ExtractPlacesFromTranscript asks for 1-5 conservative venue names.
func (c *Client) ExtractPlacesFromTranscript(ctx context.Context, transcript, caption string) ([]Candidate, error) {
	messages := []chatMessage{
		{Role: "system", Content: transcriptPrompt + " " + transcriptFormat},
		{Role: "user", Content: fmt.Sprintf("Transcript:\n%s\n\nCaption:\n%s", transcript, caption)},
	}
	raw, err := c.chatJSON(ctx, messages, candidateSchema)
	if err != nil {
		return nil, fmt.Errorf("extract places: %w", err)
	}
	var out struct {
		Candidates []Candidate `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}

	cands := make([]Candidate, 0, len(out.Candidates))
	for _, cand := range out.Candidates {
		cand.Name = strings.TrimSpace(cand.Name)
		if cand.Name == "" {
			continue
		}
		cands = append(cands, cand)
		if len(cands) == maxTranscriptCandidates {
			break
		}
	}
	return cands, nil
}

// PlaceMentions flattens the place mentions of every frame in order.
func PlaceMentions(frames []FrameOverlay) []string {
	var out []string
	for _, f := range frames {
		out = append(out, f.PlaceMentions...)
	}
	return out
}
