package http

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"finsync/internal/domain/openfinance"
)

const maxWebhookBody = 1 << 20

// WebhookReceiver verifies and records one provider delivery.
type WebhookReceiver interface {
	Ingest(ctx context.Context, provider string, raw []byte, header http.Header) (*openfinance.IngestResult, error)
}

type WebhookHandler struct {
	receiver WebhookReceiver
}

func NewWebhookHandler(receiver WebhookReceiver) *WebhookHandler {
	return &WebhookHandler{receiver: receiver}
}

// HandleWebhook answers 200 once the delivery is durably recorded, whatever
// the processing outcome, so the provider stops redelivering. A bad
// signature is 401 and a failure to record is 500.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large", Kind: openfinance.KindCaller.String()})
			return
		}
		writeBadRequest(w, "failed to read body")
		return
	}

	result, err := h.receiver.Ingest(r.Context(), provider, raw, r.Header)
	if err != nil {
		if openfinance.Classify(err) == openfinance.KindUnauthenticated {
			log.Printf("Webhook %s: Rejected delivery: %v", provider, err)
		}
		writeError(w, r, err)
		return
	}

	if result.Error != "" {
		log.Printf("Webhook %s: Event %s recorded as %s: %s", provider, result.EventID, result.Status, result.Error)
	}
	writeJSON(w, http.StatusOK, result)
}
