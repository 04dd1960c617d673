/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"deal-escrow-go/internal/deals"
	"deal-escrow-go/internal/httpx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// InitDataHeader carries the Telegram Mini App credential on every deal request.
// POST bodies may carry it in a credential field instead.
const InitDataHeader = "X-Telegram-Init-Data"

type draftRequest struct {
	Text       string   `json:"text"`
	Media      []string `json:"media"`
	Credential string   `json:"credential"`
}

type actionRequest struct {
	Action     string `json:"action"`
	Credential string `json:"credential"`
}

// credential prefers the header and falls back to the body field
func credential(r *http.Request, body string) string {
	if initData := r.Header.Get(InitDataHeader); initData != "" {
		return initData
	}
	return body
}

// NewRouter exposes the ActionService over HTTP
func NewRouter(s *ActionService, requestTimeout time.Duration) http.Handler {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.HealthCheck(r.Context()); err != nil {
			zap.L().Error("Health check failed", zap.Error(err))
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/deals/{dealID}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			dealId, ok := dealIdParam(w, r)
			if !ok {
				return
			}
			view, err := s.GetDeal(r.Context(), r.Header.Get(InitDataHeader), dealId)
			if err != nil {
				httpx.WriteJSON(w, StatusCode(err), failure(err))
				return
			}
			httpx.WriteJSON(w, http.StatusOK, view)
		})

		r.Post("/draft", func(w http.ResponseWriter, r *http.Request) {
			dealId, ok := dealIdParam(w, r)
			if !ok {
				return
			}
			var req draftRequest
			if err := httpx.ReadJSON(r, &req); err != nil {
				writeBadRequest(w, err)
				return
			}
			res, err := s.SubmitDraft(r.Context(), credential(r, req.Credential), dealId, req.Text, req.Media)
			httpx.WriteJSON(w, StatusCode(err), res)
		})

		r.Post("/action", func(w http.ResponseWriter, r *http.Request) {
			dealId, ok := dealIdParam(w, r)
			if !ok {
				return
			}
			var req actionRequest
			if err := httpx.ReadJSON(r, &req); err != nil {
				writeBadRequest(w, err)
				return
			}
			res, err := s.DealAction(r.Context(), credential(r, req.Credential), dealId, req.Action)
			httpx.WriteJSON(w, StatusCode(err), res)
		})
	})

	return r
}

func dealIdParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	dealId, err := strconv.ParseInt(chi.URLParam(r, "dealID"), 10, 64)
	if err != nil || dealId <= 0 {
		writeBadRequest(w, fmt.Errorf("invalid deal id %q", chi.URLParam(r, "dealID")))
		return 0, false
	}
	return dealId, true
}

func writeBadRequest(w http.ResponseWriter, err error) {
	httpx.WriteJSON(w, http.StatusBadRequest, failure(fmt.Errorf("%w: %v", deals.ErrInvalidInput, err)))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		zap.L().Info("HTTP request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
