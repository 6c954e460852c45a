package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/files"
	"github.com/duskpoint/reverie/pkg/providers"
	"github.com/duskpoint/reverie/pkg/template"
)

// ImageGenerator produces images through the image profile's provider.
type ImageGenerator interface {
	Generate(ctx context.Context, userID, profileID string, params providers.ImageParams) (*providers.ImageResponse, error)
}

// Participants resolves the participant a tool call is made on behalf of.
type Participants interface {
	CallingParticipant(ctx context.Context, tc Context) (name, appearance string, err error)
}

var generateImageSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"prompt": map[string]any{
			"type":        "string",
			"description": "What to draw. May reference {{me}} for the speaking character.",
		},
		"count": map[string]any{
			"type":    "integer",
			"minimum": 1,
			"maximum": 4,
		},
		"size": map[string]any{
			"type": "string",
		},
	},
	"required":             []any{"prompt"},
	"additionalProperties": false,
}

type generatedImage struct {
	FileID   string `json:"fileId"`
	MimeType string `json:"mimeType"`
}

type generateImagePayload struct {
	Prompt string           `json:"prompt"`
	Images []generatedImage `json:"images"`
}

// NewGenerateImageTool builds the image tool. Generated files go through the
// file store with source GENERATED, linked to the chat, so the orchestrator
// can attach them to the follow-up assistant message.
func NewGenerateImageTool(gen ImageGenerator, store *files.Store, participants Participants) *Tool {
	return &Tool{
		Name:        "generate_image",
		Description: "Generate one or more images from a text prompt.",
		Schema:      generateImageSchema,
		Timeout:     120 * time.Second,
		Handler: func(ctx context.Context, args map[string]any, tc Context) (*Result, error) {
			prompt, _ := args["prompt"].(string)
			prompt = resolveMe(ctx, prompt, participants, tc)

			count := 1
			if c, ok := args["count"].(float64); ok && c > 0 {
				count = int(c)
			}
			size, _ := args["size"].(string)

			resp, err := gen.Generate(ctx, tc.UserID, tc.ImageProfileID, providers.ImageParams{
				Prompt: prompt,
				Count:  count,
				Size:   size,
			})
			if err != nil {
				return nil, err
			}

			payload := generateImagePayload{Prompt: prompt}
			res := &Result{}
			for i, img := range resp.Images {
				entry, err := store.Create(ctx, files.CreateInput{
					Data:             img.Bytes,
					OriginalFilename: fmt.Sprintf("generated-%d%s", i+1, extensionFor(img.MimeType)),
					MimeType:         img.MimeType,
					Source:           domain.FileSourceGenerated,
					Category:         domain.FileCategoryImage,
					UserID:           tc.UserID,
					LinkedTo:         []string{tc.ChatID},
				})
				if err != nil {
					return nil, err
				}
				payload.Images = append(payload.Images, generatedImage{FileID: entry.ID, MimeType: entry.MimeType})
				res.FileIDs = append(res.FileIDs, entry.ID)
			}
			res.Payload = payload
			return res, nil
		},
	}
}

// resolveMe expands {{me}} to the calling participant's name plus appearance
// fragment. Resolution failures leave the prompt untouched rather than
// failing the generation.
func resolveMe(ctx context.Context, prompt string, participants Participants, tc Context) string {
	if participants == nil {
		return prompt
	}
	name, appearance, err := participants.CallingParticipant(ctx, tc)
	if err != nil || name == "" {
		return prompt
	}
	me := name
	if appearance != "" {
		me = name + ", " + appearance
	}
	return template.Render(prompt, template.Vars{"me": me})
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ".jpg"
}
