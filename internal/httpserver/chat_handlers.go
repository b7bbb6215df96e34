package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledgergate/ledgergate/internal/account"
)

// handleChatCompletions is the metered proxy: the caller was already
// resolved by the middleware, the request goes upstream under the
// configured backend key, and the reported usage lands in the ledger
// before the response is returned.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	p, ok := principalFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, errors.New("no session"))
		return
	}
	if s.backend == nil {
		s.respondError(w, http.StatusBadGateway, errors.New("completion backend not configured"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	model, _ := payload["model"].(string)
	model = strings.TrimSpace(model)
	if model == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("model required"))
		return
	}

	stream, _ := payload["stream"].(bool)

	// Price by the requested name, call upstream by the canonical one.
	payload["model"] = s.engine.Prices().BackendModel(model)
	upstreamBody, err := json.Marshal(payload)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	if stream {
		// Streamed completions relay upstream chunks as-is. The upstream
		// does not report usage per chunk, so nothing lands in the ledger.
		s.relayStream(w, r, upstreamBody)
		return
	}

	completion, err := s.backend.ChatCompletion(r.Context(), upstreamBody)
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err)
		return
	}

	updated, err := s.engine.RecordUsage(r.Context(), p.credential, model,
		completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	if err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.debugf("chat completion for %s: model=%s tokens=%d/%d elapsed=%s",
		updated.Username, model, completion.Usage.PromptTokens,
		completion.Usage.CompletionTokens, time.Since(reqStart))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tagCompletion(completion.Body, updated))
}

func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, upstreamBody []byte) {
	body, contentType, err := s.backend.ChatCompletionStream(r.Context(), upstreamBody)
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

// tagCompletion stamps the caller's identity onto the completion body,
// replacing the upstream id with the account's user id and adding the
// username. A body that fails to parse passes through unchanged.
func tagCompletion(body []byte, acct *account.Account) []byte {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	if _, ok := doc["id"]; ok {
		doc["id"] = acct.UserID
	}
	doc["username"] = acct.Username
	tagged, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return tagged
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	accounts := s.engine.Snapshot()

	var totalRequests, totalInput, totalOutput int64
	activeAccounts := 0
	users := make([]map[string]any, 0, len(accounts))
	for _, acct := range accounts {
		totalRequests += acct.RequestCount
		totalInput += acct.TotalInputTokens
		totalOutput += acct.TotalOutputTokens
		if acct.Active {
			activeAccounts++
		}
		users = append(users, adminAccountView(acct))
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"total_accounts":      len(accounts),
		"active_accounts":     activeAccounts,
		"total_requests":      totalRequests,
		"total_input_tokens":  totalInput,
		"total_output_tokens": totalOutput,
		"users":               users,
	})
}

func adminAccountView(acct *account.Account) map[string]any {
	view := map[string]any{
		"user_id":       acct.UserID,
		"username":      acct.Username,
		"active":        acct.Active,
		"quota_left":    acct.QuotaLeft,
		"request_count": acct.RequestCount,
		"total_cost":    acct.TotalCost,
	}
	if acct.APIKey != nil {
		view["api_key_active"] = acct.APIKey.Active
	}
	return view
}
