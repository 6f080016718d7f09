package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/etnz/hodl"
	"github.com/etnz/hodl/date"
	"github.com/etnz/hodl/exchange"
	"github.com/etnz/hodl/format"
	"github.com/etnz/hodl/ingest"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// handleImport handles POST /import. The file is either the raw request
// body, named by the name parameter, or the "file" part of a multipart form.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, err := boolParam(q, "skipDuplicates")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, InvalidRequest, err.Error())
		return
	}
	detectOnly, err := boolParam(q, "detectOnly")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, InvalidRequest, err.Error())
		return
	}
	c, err := s.readContent(w, r)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, InvalidRequest, "file too large")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, InvalidRequest, err.Error())
		return
	}
	if len(c.Data) == 0 {
		writeJSONError(w, http.StatusBadRequest, InvalidRequest, "empty file")
		return
	}

	res, err := s.Importer.Import(r.Context(), c, ingest.ImportOptions{SkipDuplicates: skip, DetectOnly: detectOnly})
	if err != nil {
		s.writeRunError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) readContent(w http.ResponseWriter, r *http.Request) (format.Content, error) {
	limit := s.MaxUpload
	if limit <= 0 {
		limit = DefaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		f, h, err := r.FormFile("file")
		if err != nil {
			return format.Content{}, fmt.Errorf("cannot read uploaded file: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return format.Content{}, fmt.Errorf("cannot read uploaded file: %w", err)
		}
		return format.Content{Name: h.Filename, Data: data}, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return format.Content{}, fmt.Errorf("cannot read request body: %w", err)
	}
	return format.Content{Name: r.URL.Query().Get("name"), Data: data}, nil
}

// handleTransactions handles GET /transactions.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := hodl.Filter{Source: q.Get("source")}
	if t := q.Get("type"); t != "" {
		typ, err := hodl.ParseType(t)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, InvalidRequest, err.Error())
			return
		}
		f.Type = typ
	}
	for _, p := range []struct {
		name string
		dst  *date.Date
	}{{"from", &f.Range.From}, {"to", &f.Range.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		d, err := date.Parse(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, InvalidRequest, fmt.Sprintf("invalid %s: %v", p.name, err))
			return
		}
		*p.dst = d
	}

	txs, err := s.Ledger.ListTransactions(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []hodl.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// handleExchanges handles GET /exchanges.
func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.Exchanges.Available()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchanges": accounts})
}

// ConnectionResponse is the body of POST /exchanges/{id}/test.
type ConnectionResponse struct {
	ID    string `json:"id"`
	Valid bool   `json:"valid"`
}

// handleTest handles POST /exchanges/{id}/test.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	creds, ok := readCredentials(w, r)
	if !ok {
		return
	}
	valid, err := s.Exchanges.TestConnection(r.Context(), id, creds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{ID: id, Valid: valid})
}

// handleSaveCredentials handles PUT /exchanges/{id}/credentials.
func (s *Server) handleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	creds, ok := readCredentials(w, r)
	if !ok {
		return
	}
	if err := s.Exchanges.SaveCredentials(r.Context(), id, creds); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteCredentials handles DELETE /exchanges/{id}/credentials.
func (s *Server) handleDeleteCredentials(w http.ResponseWriter, r *http.Request) {
	if err := s.Exchanges.DeleteCredentials(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readCredentials(w http.ResponseWriter, r *http.Request) (exchange.Credentials, bool) {
	var creds exchange.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSONError(w, http.StatusBadRequest, InvalidRequest, "Failed to parse credentials")
		return nil, false
	}
	return creds, true
}

func syncOptions(q url.Values) ingest.SyncOptions {
	return ingest.SyncOptions{StartDate: q.Get("startDate"), EndDate: q.Get("endDate")}
}

// handleSync handles POST /exchanges/{id}/sync.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.Syncer.Sync(r.Context(), chi.URLParam(r, "id"), syncOptions(r.URL.Query()))
	if err != nil {
		s.writeRunError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSyncAll handles POST /exchanges/sync.
func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.Syncer.SyncAll(r.Context(), syncOptions(r.URL.Query()))
	if err != nil {
		s.writeFailure(w, r, err, ErrorResponse{Results: res})
		return
	}
	if res == nil {
		res = []ingest.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": res})
}

// BalancesResponse is the body of GET /exchanges/{id}/balances.
type BalancesResponse struct {
	ID       string                     `json:"id"`
	Balances map[string]decimal.Decimal `json:"balances"`
}

// handleBalances handles GET /exchanges/{id}/balances.
func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.Exchanges.Balances(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if b == nil {
		b = exchange.Balances{}
	}
	writeJSON(w, http.StatusOK, BalancesResponse{ID: id, Balances: b})
}

func boolParam(q url.Values, name string) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", name, v)
	}
	return b, nil
}
