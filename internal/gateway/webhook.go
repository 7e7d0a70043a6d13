package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/soyeahso/shipbot/internal/orchestrator"
	"github.com/soyeahso/shipbot/internal/payment"
)

// handleOxapay applies a payment callback. Oxapay retries until it gets
// 200 "ok", so only a failure worth retrying answers 500.
func (s *Server) handleOxapay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := payment.VerifySignature(body, s.oxapayKey, r.Header.Get(payment.SignatureHeader)); err != nil {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("payment callback with invalid signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	cb, err := payment.DecodeCallback(body)
	if err != nil {
		s.log.Warn().Err(err).Msg("undecodable payment callback")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.log.Info().Str("track", cb.TrackID).Str("status", cb.Status).Str("type", cb.Type).Msg("payment callback")
	if err := s.invoices.HandleInvoice(r.Context(), cb.InvoiceStatus, orchestrator.SourceWebhook); err != nil {
		s.log.Error().Err(err).Str("track", cb.TrackID).Msg("applying payment callback failed")
		status := http.StatusInternalServerError
		if errors.Is(err, r.Context().Err()) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "retry", status)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "ok")
}
