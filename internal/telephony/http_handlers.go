package telephony

import (
	"context"
	"errors"
	"io"
	"net/http"

	"telecom-callflow/internal/events"
	"telecom-callflow/internal/ingest"
	"telecom-callflow/pkg/logger"

	"github.com/gin-gonic/gin"
)

// DefaultMaxBodyBytes caps a single webhook body.
const DefaultMaxBodyBytes int64 = 1 << 20

// Ingestor runs a raw webhook body through the ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte) (ingest.Result, error)
}

// CallEventsHandler receives call lifecycle webhooks.
//
// No business logic here. Once an event is ledgered the sender always gets 200, whatever
// the outcome; only a storage failure returns 500 so the sender retries.
type CallEventsHandler struct {
	Ingestor     Ingestor
	Verifier     *SignatureVerifier
	MaxBodyBytes int64
}

func (h CallEventsHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Ingestor == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingestion not configured"})
		return
	}
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("webhook body too large", "limit", limit)
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if err := h.Verifier.Verify(c.GetHeader(HeaderSignature), c.GetHeader(HeaderTimestamp), body); err != nil {
		log.Warn("webhook signature rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	res, err := h.Ingestor.Ingest(c.Request.Context(), body)
	switch {
	case errors.Is(err, events.ErrMalformedEvent):
		// Not retried: a redelivery of the same body can never succeed.
		c.JSON(http.StatusOK, gin.H{"status": res.Outcome, "error": err.Error()})
		return
	case err != nil:
		log.Error("webhook event not stored", "event_id", res.EventID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event not stored"})
		return
	}
	c.JSON(http.StatusOK, res)
}
