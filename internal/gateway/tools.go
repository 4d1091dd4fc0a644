package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	ToolAIImageGenerator  = "ai-image-generator"
	ToolFaceSwap          = "face-swap"
	ToolImageUpscaler     = "image-upscaler"
	ToolBackgroundRemover = "background-remover"

	MediaTypeImage = "image"
)

var aspectRatioPattern = regexp.MustCompile(`^\d+:\d+$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("aspect_ratio", func(fl validator.FieldLevel) bool {
		return aspectRatioPattern.MatchString(fl.Field().String())
	})
	return v
}

// AIImageParams google/nano-banana
type AIImageParams struct {
	Prompt      string   `json:"prompt" validate:"max=1000"`
	AspectRatio string   `json:"aspectRatio" validate:"aspect_ratio"`
	Images      []string `json:"images" validate:"max=5,dive,url"`
}

// FaceSwapParams fofr/face-swap-with-ideogram
type FaceSwapParams struct {
	Prompt string   `json:"prompt" validate:"max=100"`
	Images []string `json:"images" validate:"max=2,dive,url"`
}

// UpscalerParams topazlabs/image-upscale
type UpscalerParams struct {
	Images        []string `json:"images" validate:"min=1,max=2,dive,url"`
	EnhanceModel  string   `json:"enhance_model" validate:"required,oneof='Standard V2' 'Low Resolution V2' 'CGI' 'High Fidelity V2' 'Text Refine'"`
	UpscaleFactor string   `json:"upscale_factor" validate:"required,oneof=2x 4x 6x"`
}

type BackgroundRemoverParams struct {
	Image string `json:"image" validate:"required,url"`
}

// replicateTool 基于 Replicate predictions API 的通用适配器
type replicateTool[P any] struct {
	name     string
	model    string
	cost     int64
	client   *ReplicateClient
	validate *validator.Validate
	defaults func(p *P)
	input    func(p *P) map[string]interface{}
}

func (t *replicateTool[P]) Name() string      { return t.name }
func (t *replicateTool[P]) MediaType() string { return MediaTypeImage }

func (t *replicateTool[P]) Validate(raw json.RawMessage) (Params, error) {
	p := new(P)
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	if t.defaults != nil {
		t.defaults(p)
	}
	if err := t.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParams, describe(err))
	}
	return p, nil
}

func (t *replicateTool[P]) PriceOf(Params) int64 { return t.cost }

func (t *replicateTool[P]) ExpectedCount(Params) int { return 1 }

func (t *replicateTool[P]) Submit(ctx context.Context, params Params) (Submission, error) {
	p, ok := params.(*P)
	if !ok {
		return Submission{}, fmt.Errorf("%w: unexpected params type %T", ErrInvalidParams, params)
	}
	pred, raw, err := t.client.CreatePrediction(ctx, t.model, t.input(p))
	if err != nil {
		return Submission{}, err
	}
	if pred.ID == "" {
		return Submission{}, errors.New("upstream returned empty prediction id")
	}
	return Submission{TaskID: pred.ID, Raw: raw}, nil
}

func (t *replicateTool[P]) Poll(ctx context.Context, taskID string) (Status, error) {
	pred, raw, err := t.client.GetPrediction(ctx, taskID)
	if err != nil {
		return Status{}, err
	}
	return normalize(pred, raw), nil
}

// ReplicateModels 各工具使用的模型，可通过配置覆盖
type ReplicateModels struct {
	AIImageGenerator  string
	FaceSwap          string
	ImageUpscaler     string
	BackgroundRemover string
}

func DefaultReplicateModels() ReplicateModels {
	return ReplicateModels{
		AIImageGenerator:  "google/nano-banana",
		FaceSwap:          "fofr/face-swap-with-ideogram",
		ImageUpscaler:     "topazlabs/image-upscale",
		BackgroundRemover: "851-labs/background-remover",
	}
}

// NewReplicateTools 构建全部内置工具
func NewReplicateTools(client *ReplicateClient, models ReplicateModels) []Tool {
	v := newValidator()
	return []Tool{
		&replicateTool[AIImageParams]{
			name:     ToolAIImageGenerator,
			model:    models.AIImageGenerator,
			cost:     2,
			client:   client,
			validate: v,
			defaults: func(p *AIImageParams) {
				p.Prompt = strings.TrimSpace(p.Prompt)
				if p.AspectRatio == "" {
					p.AspectRatio = "1:1"
				}
			},
			input: func(p *AIImageParams) map[string]interface{} {
				in := map[string]interface{}{
					"prompt":        p.Prompt,
					"aspect_ratio":  p.AspectRatio,
					"output_format": "jpg",
				}
				if len(p.Images) > 0 {
					in["image_input"] = p.Images
				}
				return in
			},
		},
		&replicateTool[FaceSwapParams]{
			name:     ToolFaceSwap,
			model:    models.FaceSwap,
			cost:     6,
			client:   client,
			validate: v,
			defaults: func(p *FaceSwapParams) {
				p.Prompt = strings.TrimSpace(p.Prompt)
			},
			input: func(p *FaceSwapParams) map[string]interface{} {
				in := map[string]interface{}{"cleanup": false}
				if len(p.Images) > 0 {
					in["character_image"] = p.Images[0]
				}
				if len(p.Images) > 1 {
					in["target_image"] = p.Images[1]
				}
				if p.Prompt != "" {
					in["prompt"] = p.Prompt
				}
				return in
			},
		},
		&replicateTool[UpscalerParams]{
			name:     ToolImageUpscaler,
			model:    models.ImageUpscaler,
			cost:     4,
			client:   client,
			validate: v,
			input: func(p *UpscalerParams) map[string]interface{} {
				return map[string]interface{}{
					"image":            p.Images[0],
					"enhance_model":    p.EnhanceModel,
					"upscale_factor":   p.UpscaleFactor,
					"face_enhancement": true,
				}
			},
		},
		&replicateTool[BackgroundRemoverParams]{
			name:     ToolBackgroundRemover,
			model:    models.BackgroundRemover,
			cost:     1,
			client:   client,
			validate: v,
			input: func(p *BackgroundRemoverParams) map[string]interface{} {
				return map[string]interface{}{"image": p.Image}
			},
		},
	}
}

// describe 把校验错误转换为调用方可读的字段说明
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
