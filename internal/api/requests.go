package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/realtime-sound-tracker/internal/ingest"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type submitRequest struct {
	URL           string          `json:"url" validate:"required,url,max=2048"`
	Kind          string          `json:"kind" validate:"omitempty,oneof=post sound"`
	CampaignID    string          `json:"campaign_id" validate:"omitempty,max=128"`
	ManualMetrics *metricsRequest `json:"manual_metrics" validate:"omitempty"`
}

type metricsRequest struct {
	Views    int64 `json:"views" validate:"min=0"`
	Likes    int64 `json:"likes" validate:"min=0"`
	Comments int64 `json:"comments" validate:"min=0"`
	Shares   int64 `json:"shares" validate:"min=0"`
}

func (r submitRequest) toIngest() ingest.SubmitRequest {
	out := ingest.SubmitRequest{
		URL:        strings.TrimSpace(r.URL),
		Kind:       tracker.Kind(r.Kind),
		CampaignID: r.CampaignID,
	}
	if m := r.ManualMetrics; m != nil {
		out.ManualMetrics = &tracker.Metrics{
			Views:    m.Views,
			Likes:    m.Likes,
			Comments: m.Comments,
			Shares:   m.Shares,
		}
		if m.Views > 0 {
			out.ManualMetrics.EngagementRate = float64(m.Likes+m.Comments+m.Shares) / float64(m.Views) * 100
		}
	}
	return out
}

// validationMessage flattens validator errors into one line per field.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
