package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Recognition Model Prompts ---
const RecognitionSystemPrompt = "You are an optical character recognition engine. You transcribe every line of text in a scanned document exactly as printed, together with its position on the page. You must output your response as a valid JSON array."
const RecognitionUserPrompt = `Transcribe the provided document line by line.

Follow these rules precisely:
1.  Emit one JSON object per printed line of text, in reading order (top to bottom, left to right), page by page.
2.  Each JSON object must have exactly these keys:
    - "text": the line's text exactly as printed, including punctuation, colons and underscores used as fill-in blanks.
    - "page": the 1-based page number.
    - "confidence": your confidence in the transcription between 0 and 1.
    - "boundingBox": an object with "left", "top", "width" and "height", each a ratio of the page width or height between 0 and 1.
3.  Do not correct spelling, do not merge lines, and do not describe images.
4.  The final output MUST be a single, valid JSON array of these objects. Do not include any text before or after the JSON array.

Example output format:
[
  {"text": "Name: ________", "page": 1, "confidence": 0.98, "boundingBox": {"left": 0.1, "top": 0.2, "width": 0.4, "height": 0.03}}
]`

// VertexClient holds the pre-configured generative models for our app.
type VertexClient struct {
	RecognitionModel *genai.GenerativeModel
	baseClient       *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	recognitionModel := baseClient.GenerativeModel(modelName)
	recognitionModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(RecognitionSystemPrompt)},
	}
	recognitionModel.GenerationConfig = genai.GenerationConfig{
		// Force JSON output so the recognizer can decode lines directly.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	recognitionModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &VertexClient{
		RecognitionModel: recognitionModel,
		baseClient:       baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
