// Copyright 2025 Hanibal Sk
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"

	// maxWebhookBodySize limits the body we read to prevent DoS.
	maxWebhookBodySize = 1 << 20 // 1 MB
)

// verifySignature validates the HMAC-SHA-256 signature of the raw body.
// Constant-time compare; an absent or malformed header fails closed.
func verifySignature(secret []byte, signature string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}

	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(sigBytes, expected)
}

// handleWebhook is the ingress pipeline: verify the signature, require the
// delivery and event headers, parse the body, durably record the event, and
// acknowledge. The ack is independent of downstream handling; the durable
// row is the handoff.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	if !verifySignature(s.webhookSecret, r.Header.Get(signatureHeader), body) {
		slog.Warn("Webhook signature verification failed", "platform", platform)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	deliveryID := r.Header.Get(deliveryHeader)
	eventType := r.Header.Get(eventHeader)
	if deliveryID == "" || eventType == "" {
		writeError(w, http.StatusBadRequest, "missing delivery or event header")
		return
	}

	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "malformed JSON payload")
		return
	}

	inserted, err := s.dispatcher.Ingest(r.Context(), deliveryID, eventType, body)
	if err != nil {
		// The sender retries; the row stays absent until a delivery lands.
		slog.Error("Webhook ingest failed", "delivery", deliveryID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record delivery")
		return
	}
	if !inserted {
		slog.Debug("Duplicate webhook delivery acknowledged", "delivery", deliveryID)
	} else {
		s.metrics.EventIngested(eventType)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
