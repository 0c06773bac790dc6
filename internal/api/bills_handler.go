package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/billgate/internal/bill"
	"github.com/alecgard/billgate/internal/metrics"
	"github.com/alecgard/billgate/internal/quota"
)

// billsHandler groups the subscriber-facing bill endpoints.
type billsHandler struct {
	service *bill.Service
	metrics *metrics.Metrics
}

func newBillsHandler(svc *bill.Service, m *metrics.Metrics) *billsHandler {
	return &billsHandler{service: svc, metrics: m}
}

type billRequest struct {
	SubscriberNo string `json:"subscriberNo"`
	Month        string `json:"month"`
}

// readBillRequest decodes the JSON body and falls back to query parameters
// for fields the body does not set.
func readBillRequest(r *http.Request) (billRequest, error) {
	var req billRequest
	if err := readJSON(r, &req); err != nil {
		return req, err
	}
	q := r.URL.Query()
	if req.SubscriberNo == "" {
		req.SubscriberNo = q.Get("subscriberNo")
	}
	if req.Month == "" {
		req.Month = q.Get("month")
	}
	return req, nil
}

// money renders a decimal as a JSON number without float rounding.
func money(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func setQuotaHeaders(w http.ResponseWriter, d quota.Decision) {
	w.Header().Set("X-Quota-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-Quota-Remaining", strconv.Itoa(d.Remaining()))
}

type queryResponse struct {
	SubscriberNo string      `json:"subscriberNo"`
	Month        string      `json:"month"`
	BillTotal    json.Number `json:"billTotal"`
	PaidStatus   bill.Status `json:"paidStatus"`
}

// Query handles POST /api/v1/bills/query.
func (h *billsHandler) Query(w http.ResponseWriter, r *http.Request) {
	req, err := readBillRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	res, err := h.service.QueryBill(r.Context(), bill.QueryInput{SubscriberNo: req.SubscriberNo, Month: req.Month})
	if err != nil {
		var qe *bill.QuotaError
		if errors.As(err, &qe) {
			setQuotaHeaders(w, qe.Decision)
		}
		writeServiceError(w, r, err)
		return
	}

	setQuotaHeaders(w, res.Quota)
	writeJSON(w, http.StatusOK, queryResponse{
		SubscriberNo: res.SubscriberNo,
		Month:        res.Month,
		BillTotal:    money(res.Amount),
		PaidStatus:   res.Status,
	})
}

type paging struct {
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
	Note  string `json:"note"`
}

type detailResponse struct {
	SubscriberNo    string       `json:"subscriberNo"`
	Month           string       `json:"month"`
	BillTotal       json.Number  `json:"billTotal"`
	PaidAmount      json.Number  `json:"paidAmount"`
	RemainingAmount json.Number  `json:"remainingAmount"`
	Status          bill.Status  `json:"status"`
	BillDetails     bill.Details `json:"billDetails"`
	Paging          paging       `json:"paging"`
}

// QueryDetailed handles POST /api/v1/bills/query-detailed?page=&limit=.
func (h *billsHandler) QueryDetailed(w http.ResponseWriter, r *http.Request) {
	req, err := readBillRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	page, err := intParam(r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "page must be an integer")
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "limit must be an integer")
		return
	}

	d, err := h.service.QueryBillDetailed(r.Context(), bill.DetailInput{
		SubscriberNo: req.SubscriberNo,
		Month:        req.Month,
		Page:         page,
		Limit:        limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, detailResponse{
		SubscriberNo:    d.SubscriberNo,
		Month:           d.Month,
		BillTotal:       money(d.Amount),
		PaidAmount:      money(d.PaidAmount),
		RemainingAmount: money(d.Remaining),
		Status:          d.Status,
		BillDetails:     d.Details,
		Paging: paging{
			Page:  d.Page,
			Limit: d.Limit,
			Note:  "Details are returned whole; paging is informational.",
		},
	})
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

type payRequest struct {
	SubscriberNo  string           `json:"subscriberNo"`
	Month         string           `json:"month"`
	PaymentAmount *decimal.Decimal `json:"paymentAmount"`
}

type payResponse struct {
	Status          string      `json:"status"`
	Message         string      `json:"message"`
	SubscriberNo    string      `json:"subscriberNo"`
	Month           string      `json:"month"`
	PaidAmount      json.Number `json:"paidAmount"`
	RemainingAmount json.Number `json:"remainingAmount"`
	BillStatus      bill.Status `json:"billStatus"`
}

// Pay handles POST /api/v1/bills/pay.
func (h *billsHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "paymentAmount must be a number")
		return
	}

	p, err := h.service.PayBill(r.Context(), bill.PayInput{
		SubscriberNo: req.SubscriberNo,
		Month:        req.Month,
		Amount:       req.PaymentAmount,
	})
	if err != nil {
		h.metrics.ObservePayment(paymentOutcome(err), 0)
		writeServiceError(w, r, err)
		return
	}

	amount, _ := p.Amount.Float64()
	h.metrics.ObservePayment("success", amount)
	auditLog(r, "pay", "bill", req.SubscriberNo+"/"+req.Month,
		"amount", p.Amount.String(), "paid_amount", p.PaidAmount.String(), "status", string(p.Status))

	writeJSON(w, http.StatusOK, payResponse{
		Status:          "Success",
		Message:         "Payment processed",
		SubscriberNo:    p.SubscriberNo,
		Month:           p.Month,
		PaidAmount:      money(p.PaidAmount),
		RemainingAmount: money(p.Remaining),
		BillStatus:      p.Status,
	})
}

func paymentOutcome(err error) string {
	switch {
	case errors.Is(err, bill.ErrNotFound):
		return "not_found"
	case errors.Is(err, bill.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, bill.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

type billView struct {
	Month      string       `json:"month"`
	Amount     json.Number  `json:"amount"`
	PaidAmount json.Number  `json:"paidAmount"`
	Status     bill.Status  `json:"status"`
	Details    bill.Details `json:"details"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

func newBillView(b *bill.Bill) billView {
	return billView{
		Month:      b.Month,
		Amount:     money(b.Amount),
		PaidAmount: money(b.PaidAmount),
		Status:     b.Status,
		Details:    b.Details,
		UpdatedAt:  b.UpdatedAt,
	}
}

// ListUnpaid handles POST /api/v1/bills/banking/query.
func (h *billsHandler) ListUnpaid(w http.ResponseWriter, r *http.Request) {
	req, err := readBillRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	bills, err := h.service.ListUnpaidBills(r.Context(), req.SubscriberNo)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	views := make([]billView, 0, len(bills))
	for _, b := range bills {
		views = append(views, newBillView(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriberNo": req.SubscriberNo,
		"unpaidBills":  views,
	})
}
