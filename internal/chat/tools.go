package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"

	"github.com/alecgard/billgate/internal/bill"
)

// ToolName identifies one of the billing tools the model may call.
type ToolName string

// The closed set of tools. Every name must have a handler; NewToolset fails
// otherwise.
const (
	ToolQueryBill         ToolName = "queryBill"
	ToolQueryBillDetailed ToolName = "queryBillDetailed"
	ToolListUnpaidBills   ToolName = "listUnpaidBills"
	ToolPayBill           ToolName = "payBill"
	ToolAddBill           ToolName = "addBill"
)

// ToolNames lists every tool in declaration order.
var ToolNames = []ToolName{
	ToolQueryBill,
	ToolQueryBillDetailed,
	ToolListUnpaidBills,
	ToolPayBill,
	ToolAddBill,
}

const chatBillInfo = "Added via Chat AI"

// Billing is the subset of bill.Service exposed to the model.
type Billing interface {
	QueryBill(ctx context.Context, in bill.QueryInput) (*bill.QueryResult, error)
	QueryBillDetailed(ctx context.Context, in bill.DetailInput) (*bill.Detail, error)
	ListUnpaidBills(ctx context.Context, subscriberNo string) ([]*bill.Bill, error)
	PayBill(ctx context.Context, in bill.PayInput) (*bill.Payment, error)
	AddBill(ctx context.Context, in bill.AddInput) (*bill.Bill, error)
}

type billArgs struct {
	SubscriberNo string `json:"subscriberNo" mapstructure:"subscriberNo" jsonschema:"required,description=The subscriber number"`
	Month        string `json:"month" mapstructure:"month" jsonschema:"required,description=The month of the bill (e.g. '2024-01')"`
}

type listArgs struct {
	SubscriberNo string `json:"subscriberNo" mapstructure:"subscriberNo" jsonschema:"required,description=The subscriber number"`
}

type payArgs struct {
	SubscriberNo string   `json:"subscriberNo" mapstructure:"subscriberNo" jsonschema:"required,description=The subscriber number"`
	Month        string   `json:"month" mapstructure:"month" jsonschema:"required,description=The month of the bill"`
	Amount       *float64 `json:"amount" mapstructure:"amount" jsonschema:"required,description=Amount to pay"`
}

type addArgs struct {
	SubscriberNo string   `json:"subscriberNo" mapstructure:"subscriberNo" jsonschema:"required,description=The subscriber number"`
	Month        string   `json:"month" mapstructure:"month" jsonschema:"required,description=The month of the bill"`
	Amount       *float64 `json:"amount" mapstructure:"amount" jsonschema:"required,description=Total bill amount"`
	Description  string   `json:"description,omitempty" mapstructure:"description" jsonschema:"description=Description or details of the bill"`
}

// Tool is a declared tool bound to its handler.
type Tool struct {
	Declaration
	run func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Run decodes args and invokes the handler.
func (t *Tool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	return t.run(ctx, args)
}

func newTool[T any](name ToolName, description string, fn func(context.Context, T) (map[string]any, error)) (*Tool, error) {
	params, err := generateSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("building schema for %s: %w", name, err)
	}
	return &Tool{
		Declaration: Declaration{Name: string(name), Description: description, Parameters: params},
		run: func(ctx context.Context, raw map[string]any) (map[string]any, error) {
			var args T
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			return fn(ctx, args)
		},
	}, nil
}

// decodeArgs maps model arguments onto a typed struct. Weak typing accepts
// numbers sent as strings and subscriber numbers sent as numbers.
func decodeArgs(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %v", bill.ErrInvalidArgument, err)
	}
	return nil
}

// amountArg converts a decoded amount argument. A missing amount is invalid,
// never zero.
func amountArg(v *float64) (*decimal.Decimal, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: amount is required", bill.ErrInvalidArgument)
	}
	d := decimal.NewFromFloat(*v)
	return &d, nil
}

// Toolset is the static mapping from tool names to handlers.
type Toolset struct {
	tools map[ToolName]*Tool
}

// NewToolset binds every tool in ToolNames to svc.
func NewToolset(svc Billing) (*Toolset, error) {
	ts := &Toolset{tools: make(map[ToolName]*Tool, len(ToolNames))}

	builders := []func() (*Tool, error){
		func() (*Tool, error) {
			return newTool(ToolQueryBill, "Get the bill total and payment status for a subscriber and month.",
				func(ctx context.Context, a billArgs) (map[string]any, error) {
					res, err := svc.QueryBill(ctx, bill.QueryInput{SubscriberNo: a.SubscriberNo, Month: a.Month})
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"subscriberNo": res.SubscriberNo,
						"month":        res.Month,
						"billTotal":    res.Amount.String(),
						"paidStatus":   string(res.Status),
					}, nil
				})
		},
		func() (*Tool, error) {
			return newTool(ToolQueryBillDetailed, "Get detailed bill information including usage details for a subscriber and month.",
				func(ctx context.Context, a billArgs) (map[string]any, error) {
					d, err := svc.QueryBillDetailed(ctx, bill.DetailInput{SubscriberNo: a.SubscriberNo, Month: a.Month})
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"subscriberNo":    d.SubscriberNo,
						"month":           d.Month,
						"billTotal":       d.Amount.String(),
						"paidAmount":      d.PaidAmount.String(),
						"remainingAmount": d.Remaining.String(),
						"status":          string(d.Status),
						"billDetails":     map[string]any(d.Details),
					}, nil
				})
		},
		func() (*Tool, error) {
			return newTool(ToolListUnpaidBills, "List all unpaid bills for a subscriber.",
				func(ctx context.Context, a listArgs) (map[string]any, error) {
					bills, err := svc.ListUnpaidBills(ctx, a.SubscriberNo)
					if err != nil {
						return nil, err
					}
					if len(bills) == 0 {
						return map[string]any{"message": "No unpaid bills found"}, nil
					}
					out := make([]any, 0, len(bills))
					for _, b := range bills {
						out = append(out, map[string]any{
							"month":      b.Month,
							"amount":     b.Amount.String(),
							"paidAmount": b.PaidAmount.String(),
							"status":     string(b.Status),
						})
					}
					return map[string]any{"unpaidBills": out}, nil
				})
		},
		func() (*Tool, error) {
			return newTool(ToolPayBill, "Pay a bill for a subscriber.",
				func(ctx context.Context, a payArgs) (map[string]any, error) {
					amount, err := amountArg(a.Amount)
					if err != nil {
						return nil, err
					}
					p, err := svc.PayBill(ctx, bill.PayInput{SubscriberNo: a.SubscriberNo, Month: a.Month, Amount: amount})
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"status":     "Success",
						"newStatus":  string(p.Status),
						"paidAmount": p.PaidAmount.String(),
					}, nil
				})
		},
		func() (*Tool, error) {
			return newTool(ToolAddBill, "Add a new bill for a subscriber (admin only).",
				func(ctx context.Context, a addArgs) (map[string]any, error) {
					info := strings.TrimSpace(a.Description)
					if info == "" {
						info = chatBillInfo
					}
					amount, err := amountArg(a.Amount)
					if err != nil {
						return nil, err
					}
					if _, err := svc.AddBill(ctx, bill.AddInput{
						SubscriberNo: a.SubscriberNo,
						Month:        a.Month,
						Amount:       amount,
						Details:      bill.Details{"info": info},
					}); err != nil {
						return nil, err
					}
					return map[string]any{"message": "Bill added successfully"}, nil
				})
		},
	}

	for _, build := range builders {
		t, err := build()
		if err != nil {
			return nil, err
		}
		ts.tools[ToolName(t.Name)] = t
	}
	if err := ts.validate(); err != nil {
		return nil, err
	}
	return ts, nil
}

// validate checks that the declared names and the bound handlers agree.
func (ts *Toolset) validate() error {
	var problems []string
	for _, name := range ToolNames {
		if _, ok := ts.tools[name]; !ok {
			problems = append(problems, fmt.Sprintf("tool %q has no handler", name))
		}
	}
	for name := range ts.tools {
		if !knownTool(name) {
			problems = append(problems, fmt.Sprintf("handler %q is not a declared tool", name))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func knownTool(name ToolName) bool {
	for _, n := range ToolNames {
		if n == name {
			return true
		}
	}
	return false
}

// Lookup returns the tool for name.
func (ts *Toolset) Lookup(name string) (*Tool, bool) {
	t, ok := ts.tools[ToolName(name)]
	return t, ok
}

// Declarations returns every tool declaration in ToolNames order.
func (ts *Toolset) Declarations() []Declaration {
	out := make([]Declaration, 0, len(ToolNames))
	for _, name := range ToolNames {
		out = append(out, ts.tools[name].Declaration)
	}
	return out
}

// toolError renders an operation failure as data the model can explain.
func toolError(err error) map[string]any {
	var msg string
	switch {
	case errors.Is(err, bill.ErrNotFound):
		msg = "Bill not found"
	case errors.Is(err, bill.ErrRateLimited):
		msg = "Daily query limit exceeded for this subscriber; try again tomorrow"
		var qe *bill.QuotaError
		if errors.As(err, &qe) {
			msg = fmt.Sprintf("Daily query limit of %d exceeded for this subscriber; try again tomorrow", qe.Decision.Limit)
		}
	case errors.Is(err, bill.ErrInvalidArgument):
		msg = strings.TrimPrefix(err.Error(), bill.ErrInvalidArgument.Error()+": ")
	case errors.Is(err, bill.ErrConflict):
		msg = "The bill was modified at the same time; please retry"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		msg = "The request timed out"
	default:
		msg = "Internal error"
	}
	return map[string]any{"error": msg}
}
