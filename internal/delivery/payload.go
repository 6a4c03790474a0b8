package delivery

import (
	"time"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"

	"urlsentry/internal/config"
	"urlsentry/internal/model"
)

// Payload is the webhook body. Keys are written in a fixed order.
type Payload struct {
	BatchID      string
	CheckType    model.CheckType
	Timestamp    time.Time
	IsBackground bool
	Summary      model.Summary
	Results      []model.ProbeResult
	Device       config.Device
	CallbackName string
}

var _ easyjson.Marshaler = Payload{}

// NewPayload builds the webhook body for a batch
func NewPayload(batch model.CheckBatch, device config.Device, callbackName string) Payload {
	return Payload{
		BatchID:      batch.ID,
		CheckType:    batch.CheckType,
		Timestamp:    batch.At,
		IsBackground: batch.Background,
		Summary:      batch.Summary,
		Results:      batch.Results,
		Device:       device,
		CallbackName: callbackName,
	}
}

// Encode renders the payload to JSON
func (p Payload) Encode() ([]byte, error) {
	return easyjson.Marshal(p)
}

func (p Payload) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"batchId":`)
	w.String(p.BatchID)
	w.RawString(`,"checkType":`)
	w.String(string(p.CheckType))
	w.RawString(`,"timestamp":`)
	w.String(p.Timestamp.UTC().Format(time.RFC3339))
	w.RawString(`,"isBackground":`)
	w.Bool(p.IsBackground)

	w.RawString(`,"summary":{"total":`)
	w.Int(p.Summary.Total)
	w.RawString(`,"active":`)
	w.Int(p.Summary.Active)
	w.RawString(`,"inactive":`)
	w.Int(p.Summary.Inactive)
	w.RawByte('}')

	w.RawString(`,"urls":[`)
	for i, r := range p.Results {
		if i > 0 {
			w.RawByte(',')
		}
		writeResult(w, r)
	}
	w.RawByte(']')

	w.RawString(`,"device":{"id":`)
	w.String(p.Device.ID)
	w.RawString(`,"platform":`)
	w.String(p.Device.Platform)
	w.RawString(`,"model":`)
	w.String(p.Device.Model)
	w.RawString(`,"version":`)
	w.String(p.Device.Version)
	w.RawByte('}')

	w.RawString(`,"callbackName":`)
	w.String(p.CallbackName)
	w.RawByte('}')
}

// writeResult omits statusCode and responseTime when no response was received
func writeResult(w *jwriter.Writer, r model.ProbeResult) {
	w.RawString(`{"url":`)
	w.String(r.URL)
	w.RawString(`,"status":`)
	w.String(string(r.Status))
	if r.StatusCode != nil {
		w.RawString(`,"statusCode":`)
		w.Int(*r.StatusCode)
		w.RawString(`,"responseTime":`)
		w.Int64(r.LatencyMs)
	}
	if r.ErrorKind != "" {
		w.RawString(`,"error":`)
		w.String(string(r.ErrorKind))
	}
	w.RawByte('}')
}
