// Package domain holds the telemetry event model shared by the queue, the local store and every sink.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// TimestampLayout is the wire layout of UserEvent.Timestamp (ISO-8601, UTC).
const TimestampLayout = time.RFC3339Nano

// NotAvailable is the placeholder for absent string descriptors.
const NotAvailable = "N/A"

// ErrInvalidEvent is wrapped by Validate for every rejected event.
var ErrInvalidEvent = errors.New("invalid event")

// UserEvent is one observation of user or system behavior. It is immutable once built.
type UserEvent struct {
	Timestamp          string  `json:"timestamp" validate:"required,instant"`
	UserID             string  `json:"userID" validate:"required,notblank"`
	SessionID          string  `json:"sessionID" validate:"required,notblank"`
	EventType          string  `json:"eventType" validate:"required,notblank"`
	TargetObject       string  `json:"targetObject"`
	Duration           float64 `json:"duration" validate:"finite,gte=0"`
	TimeSinceLastEvent float64 `json:"timeSinceLastEvent" validate:"finite,gte=0"`
	TotalSessionTime   float64 `json:"totalSessionTime" validate:"finite,gte=0"`

	// Metrics snapshot at log time.
	HeadMovement  float64 `json:"headMovement" validate:"finite"`
	GazeTarget    string  `json:"gazeTarget"`
	TeleportUsage int     `json:"teleportUsage"`
	FPS           float64 `json:"fps" validate:"finite"`
	CPUUsage      float64 `json:"cpuUsage" validate:"finite"`
	GPUUsage      float64 `json:"gpuUsage" validate:"finite"`
	RAMUsage      float64 `json:"ramUsage" validate:"finite"`

	// Static device descriptors.
	CPU       string `json:"cpu"`
	GPU       string `json:"gpu"`
	RAM       string `json:"ram"`
	OS        string `json:"os"`
	VRHeadset string `json:"vr_headset"`

	// Behavioral counters.
	FrustrationRate int  `json:"frustrationRate"`
	HelpAccessed    bool `json:"helpAccessed"`
	RageQuits       int  `json:"rageQuits"`
	ReplayRate      int  `json:"replayRate"`
}

// Time parses Timestamp. Returns the zero time if it does not parse.
func (e UserEvent) Time() time.Time {
	t, err := time.Parse(TimestampLayout, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatTimestamp renders t in the wire layout, always in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// EventBatch is an ordered group of events; insertion order is upload order.
type EventBatch []UserEvent

// Envelope is the JSON document shape used for uploads and the pending file: {"events": [...]}.
type Envelope struct {
	Events EventBatch `json:"events"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("instant", validateInstant)
	_ = v.RegisterValidation("notblank", validateNotBlank)
	_ = v.RegisterValidation("finite", validateFinite)
	return v
}

// validateInstant accepts a timestamp that parses and is not the zero instant.
func validateInstant(fl validator.FieldLevel) bool {
	t, err := time.Parse(TimestampLayout, fl.Field().String())
	return err == nil && !t.IsZero()
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// validateFinite rejects NaN and the infinities, which JSON cannot carry.
func validateFinite(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Validate checks the event invariants: ids, type and timestamp present, timestamp a real instant,
// durations non-negative, every number finite. The returned error wraps ErrInvalidEvent and names
// the failing fields.
func Validate(e UserEvent) error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+":"+fe.Tag())
	}
	return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(fields, ","))
}

// Encode serializes batch as an Envelope. A nil batch encodes as an empty events array.
func Encode(batch EventBatch) ([]byte, error) {
	if batch == nil {
		batch = EventBatch{}
	}
	return json.Marshal(Envelope{Events: batch})
}

// Decode parses an Envelope and returns its events.
func Decode(data []byte) (EventBatch, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return env.Events, nil
}
