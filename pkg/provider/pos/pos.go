package pos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/provider"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
)

// Consignment statuses understood by the POS
const (
	StatusOpen     = "OPEN"
	StatusSent     = "SENT"
	StatusReceived = "RECEIVED"
)

// ConsignmentLine is one product on a consignment
type ConsignmentLine struct {
	ProductID string `json:"product_id"`
	Count     int    `json:"count"`
	CostCents int64  `json:"cost_cents,omitempty"`
}

// Consignment creates a stock transfer or supplier order, or replaces the
// contents of an existing one when ExternalID is set
type Consignment struct {
	ExternalID     string            `json:"external_id,omitempty"`
	Name           string            `json:"name"`
	Type           string            `json:"type,omitempty"` // SUPPLIER, OUTLET, RETURN
	Status         string            `json:"status,omitempty"`
	OutletID       string            `json:"outlet_id"`
	SourceOutletID string            `json:"source_outlet_id,omitempty"`
	Products       []ConsignmentLine `json:"products"`
}

func (c *Consignment) Validate() error {
	if c.OutletID == "" {
		return errors.New("outlet_id is required")
	}
	if c.ExternalID == "" && c.Name == "" {
		return errors.New("name is required for a new consignment")
	}
	switch c.Status {
	case "", StatusOpen, StatusSent, StatusReceived:
	default:
		return errors.New("status must be OPEN, SENT or RECEIVED")
	}
	if len(c.Products) == 0 {
		return errors.New("at least one product is required")
	}
	for i, p := range c.Products {
		if p.ProductID == "" {
			return fmt.Errorf("products[%d].product_id is required", i)
		}
		if p.Count <= 0 {
			return fmt.Errorf("products[%d].count must be positive", i)
		}
	}
	return nil
}

// StockUpdate sets the absolute inventory level of a product at an outlet
type StockUpdate struct {
	ProductID string `json:"product_id"`
	OutletID  string `json:"outlet_id"`
	Count     int    `json:"count"`
	Reason    string `json:"reason,omitempty"`
}

func (s *StockUpdate) Validate() error {
	if s.ProductID == "" || s.OutletID == "" {
		return errors.New("product_id and outlet_id are required")
	}
	if s.Count < 0 {
		return errors.New("count must not be negative")
	}
	return nil
}

// MarkSent flags an open consignment as dispatched
type MarkSent struct {
	ConsignmentID string `json:"consignment_id"`
}

func (m *MarkSent) Validate() error {
	if m.ConsignmentID == "" {
		return errors.New("consignment_id is required")
	}
	return nil
}

// Adapter drives the point-of-sale/inventory provider
type Adapter struct {
	client *provider.Client
	logger zerolog.Logger
}

// New creates the POS adapter. Consignments and stock are not tied to
// actors, so it needs no identity map.
func New(client *provider.Client) *Adapter {
	return &Adapter{
		client: client,
		logger: log.WithProvider("adapter", string(types.ProviderPOS)),
	}
}

func (a *Adapter) Name() types.Provider { return types.ProviderPOS }

// Execute performs one normalized operation
func (a *Adapter) Execute(ctx context.Context, job *types.SyncJob) (provider.Result, error) {
	switch job.Operation {
	case types.OpSyncConsignment:
		return a.syncConsignment(ctx, job)
	case types.OpUpdateStock:
		return a.updateStock(ctx, job)
	case types.OpMarkSent:
		return a.markSent(ctx, job)
	default:
		return provider.Result{}, provider.Unsupported(a.Name(), job.Operation)
	}
}

type consignmentProduct struct {
	ProductID string      `json:"product_id"`
	Count     int         `json:"count"`
	Cost      json.Number `json:"cost,omitempty"`
}

type consignmentBody struct {
	Name           string               `json:"name,omitempty"`
	Type           string               `json:"type,omitempty"`
	Status         string               `json:"status,omitempty"`
	OutletID       string               `json:"outlet_id,omitempty"`
	SourceOutletID string               `json:"source_outlet_id,omitempty"`
	Products       []consignmentProduct `json:"products,omitempty"`
}

type dataEnvelope struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (a *Adapter) syncConsignment(ctx context.Context, job *types.SyncJob) (provider.Result, error) {
	var c Consignment
	if err := provider.Decode(job, &c); err != nil {
		return provider.Result{}, err
	}

	body := consignmentBody{
		Name:           c.Name,
		Type:           c.Type,
		Status:         c.Status,
		OutletID:       c.OutletID,
		SourceOutletID: c.SourceOutletID,
	}
	if body.Status == "" {
		body.Status = StatusOpen
	}
	for _, p := range c.Products {
		line := consignmentProduct{ProductID: p.ProductID, Count: p.Count}
		if p.CostCents > 0 {
			line.Cost = provider.Cents(p.CostCents)
		}
		body.Products = append(body.Products, line)
	}

	call := provider.Call{
		Method:         http.MethodPost,
		Path:           "/api/2.0/consignments",
		Body:           body,
		IdempotencyKey: job.IdempotencyKey,
	}
	if c.ExternalID != "" {
		call.Method = http.MethodPut
		call.Path += "/" + url.PathEscape(c.ExternalID)
	}

	var resp dataEnvelope
	if err := a.client.Do(ctx, call, &resp); err != nil {
		return provider.Result{}, err
	}
	id := resp.Data.ID
	if id == "" {
		id = c.ExternalID
	}
	if id == "" {
		return provider.Result{}, &provider.Error{Kind: types.ErrorPermanentUnknown, Detail: "provider did not return a consignment id"}
	}
	a.logger.Debug().Str("job_id", job.ID).Str("consignment_id", id).Int("lines", len(body.Products)).Msg("Consignment synced")
	return provider.Result{ExternalID: id}, nil
}

func (a *Adapter) updateStock(ctx context.Context, job *types.SyncJob) (provider.Result, error) {
	var s StockUpdate
	if err := provider.Decode(job, &s); err != nil {
		return provider.Result{}, err
	}

	err := a.client.Do(ctx, provider.Call{
		Method: http.MethodPut,
		Path:   "/api/2.0/products/" + url.PathEscape(s.ProductID) + "/inventory",
		Body: map[string]interface{}{
			"outlet_id":       s.OutletID,
			"inventory_level": s.Count,
			"reason":          s.Reason,
		},
	}, nil)
	if err != nil {
		return provider.Result{}, err
	}
	return provider.Result{ExternalID: s.ProductID}, nil
}

func (a *Adapter) markSent(ctx context.Context, job *types.SyncJob) (provider.Result, error) {
	var m MarkSent
	if err := provider.Decode(job, &m); err != nil {
		return provider.Result{}, err
	}

	err := a.client.Do(ctx, provider.Call{
		Method: http.MethodPut,
		Path:   "/api/2.0/consignments/" + url.PathEscape(m.ConsignmentID),
		Body:   consignmentBody{Status: StatusSent},
	}, nil)
	if err != nil {
		return provider.Result{}, err
	}
	return provider.Result{ExternalID: m.ConsignmentID}, nil
}

type inventoryResponse struct {
	Data []struct {
		OutletID       string      `json:"outlet_id"`
		InventoryLevel json.Number `json:"inventory_level"`
	} `json:"data"`
}

// ReportedTotal returns the units on hand the POS reports. periodKey is
// "<outlet id>/<product id>".
func (a *Adapter) ReportedTotal(ctx context.Context, metric types.Metric, periodKey string) (float64, error) {
	if metric != types.MetricStockUnits {
		return 0, provider.UnsupportedMetric(a.Name(), metric)
	}
	outlet, product, ok := strings.Cut(periodKey, "/")
	if !ok || outlet == "" || product == "" {
		return 0, provider.Validation("stock key %q must be <outlet>/<product>", periodKey)
	}

	var resp inventoryResponse
	err := a.client.Do(ctx, provider.Call{
		Method: http.MethodGet,
		Path:   "/api/2.0/products/" + url.PathEscape(product) + "/inventory",
	}, &resp)
	if err != nil {
		return 0, err
	}

	var total float64
	for _, row := range resp.Data {
		if row.OutletID != outlet {
			continue
		}
		n, err := row.InventoryLevel.Float64()
		if err != nil {
			return 0, &provider.Error{Kind: types.ErrorPermanentUnknown, Detail: "unreadable inventory_level", Err: err}
		}
		total += n
	}
	return total, nil
}
