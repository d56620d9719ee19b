package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	domainerrors "github.com/gavelhouse/auction-backend/internal/domain/errors"
)

type createAuctionRequest struct {
	Title         string   `json:"title" validate:"required,max=200"`
	Description   string   `json:"description" validate:"max=2000"`
	Duration      int      `json:"duration" validate:"omitempty,min=30,max=86400"`
	Category      string   `json:"category" validate:"max=100"`
	StartingBid   float64  `json:"starting_bid" validate:"gte=0"`
	SellerName    string   `json:"seller_name" validate:"max=200"`
	Condition     string   `json:"condition" validate:"max=100"`
	ImageURL      string   `json:"image_url" validate:"omitempty,url"`
	Images        []string `json:"images" validate:"omitempty,max=12,dive,url"`
	StreamChannel string   `json:"stream_channel" validate:"max=200"`
	PlaybackURL   string   `json:"playback_url" validate:"omitempty,url"`
}

type placeBidRequest struct {
	AuctionID string  `json:"auction_id" validate:"required,uuid"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
}

type batchRequest struct {
	AuctionIDs []string `json:"auction_ids" validate:"required,min=1,max=50,dive,uuid"`
}

// decodeAndValidate parses the JSON body into dst and runs struct
// validation. The request body is capped at 1MB.
func decodeAndValidate(r *http.Request, v *validator.Validate, dst interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domainerrors.NewValidationError("INVALID_JSON", "Request body is not valid JSON").WithCause(err)
	}
	if err := v.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return domainerrors.NewValidationError("INVALID_REQUEST", "Request failed validation").WithCause(err)
	}
	first := verrs[0]
	return domainerrors.NewValidationError("INVALID_REQUEST",
		"Invalid value for field "+first.Field()).WithDetails(map[string]interface{}{
		"field": first.Field(),
		"rule":  first.Tag(),
	})
}
