package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alecgard/billgate/internal/bill"
	"github.com/alecgard/billgate/internal/ingest"
	"github.com/alecgard/billgate/internal/metrics"
)

// defaultMaxUpload bounds batch upload files when no limit is configured.
const defaultMaxUpload = 10 << 20

// adminHandler groups the bill administration endpoints.
type adminHandler struct {
	service   *bill.Service
	metrics   *metrics.Metrics
	maxUpload int64
}

func newAdminHandler(svc *bill.Service, m *metrics.Metrics, maxUpload int64) *adminHandler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &adminHandler{service: svc, metrics: m, maxUpload: maxUpload}
}

type addRequest struct {
	SubscriberNo string           `json:"subscriberNo"`
	Month        string           `json:"month"`
	Amount       *decimal.Decimal `json:"amount"`
	Details      bill.Details     `json:"details"`
}

// AddBill handles POST /api/v1/bills/admin/add.
func (h *adminHandler) AddBill(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	b, err := h.service.AddBill(r.Context(), bill.AddInput{
		SubscriberNo: req.SubscriberNo,
		Month:        req.Month,
		Amount:       req.Amount,
		Details:      req.Details,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	auditLog(r, "create", "bill", b.SubscriberNo+"/"+b.Month, "amount", b.Amount.String())

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Bill added successfully",
		"bill":    newBillView(b),
	})
}

// BatchUpload handles POST /api/v1/bills/admin/batch-upload with a multipart
// "file" field holding a CSV or XLSX sheet.
func (h *adminHandler) BatchUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds "+strconv.FormatInt(h.maxUpload, 10)+" bytes")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "expected a multipart form with a file field")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", "Please upload a CSV file")
		return
	}
	defer file.Close()

	rows, err := ingest.ParseFile(header.Filename, file)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	res, err := h.service.BatchAddBills(r.Context(), rows)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.metrics.ObserveIngest("upload", res.Written, len(res.Skipped))
	auditLog(r, "batch_upload", "bill", header.Filename,
		"rows", len(rows), "written", res.Written, "skipped", len(res.Skipped))
	if len(res.Skipped) > 0 {
		slog.Warn("batch upload skipped rows", "file", header.Filename, "skipped", len(res.Skipped))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": strconv.Itoa(res.Written) + " bills processed",
		"written": res.Written,
		"skipped": res.Skipped,
	})
}

type detailsRequest struct {
	SubscriberNo string       `json:"subscriberNo"`
	Month        string       `json:"month"`
	Details      bill.Details `json:"details"`
}

// AmendDetails handles PATCH /api/v1/bills/admin/details.
func (h *adminHandler) AmendDetails(w http.ResponseWriter, r *http.Request) {
	var req detailsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if err := h.service.AmendDetails(r.Context(), req.SubscriberNo, req.Month, req.Details); err != nil {
		writeServiceError(w, r, err)
		return
	}

	auditLog(r, "update_details", "bill", req.SubscriberNo+"/"+req.Month)

	writeJSON(w, http.StatusOK, map[string]string{"message": "Bill details updated"})
}
