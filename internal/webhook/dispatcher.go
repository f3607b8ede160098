package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayform/internal/relayform"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownTag = errors.New("unknown webhook delivery tag")

const (
	resultDelivered   = "delivered"
	resultFailed      = "failed"
	resultConfigError = "config_error"
)

type Options struct {
	// Senders maps a delivery tag to its implementation. Nil installs the
	// json, xml and form HTTP senders.
	Senders map[string]Sender
	// ForcedEndpoint is delivered to for every form in addition to the form's
	// own endpoints.
	ForcedEndpoint  *relayform.FormEndpoint
	FailClosed      bool
	Workers         int
	EndpointTimeout time.Duration
	TotalTimeout    time.Duration
	Logger          zerolog.Logger
	Registerer      prometheus.Registerer
}

type Dispatcher struct {
	senders         map[string]Sender
	forced          *relayform.FormEndpoint
	failClosed      bool
	workers         int
	endpointTimeout time.Duration
	totalTimeout    time.Duration
	logger          zerolog.Logger
	deliveries      *prometheus.CounterVec
}

func NewDispatcher(opts Options) *Dispatcher {
	senders := opts.Senders
	if senders == nil {
		senders = DefaultSenders(HTTPSenderOptions{})
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	endpointTimeout := opts.EndpointTimeout
	if endpointTimeout <= 0 {
		endpointTimeout = 10 * time.Second
	}
	totalTimeout := opts.TotalTimeout
	if totalTimeout <= 0 {
		totalTimeout = 30 * time.Second
	}
	var forced *relayform.FormEndpoint
	if opts.ForcedEndpoint != nil && strings.TrimSpace(opts.ForcedEndpoint.URL) != "" {
		endpoint := *opts.ForcedEndpoint
		if strings.TrimSpace(endpoint.Tag) == "" {
			endpoint.Tag = TagJSON
		}
		forced = &endpoint
	}
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayform",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries by result.",
	}, []string{"result"})
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(deliveries)
	}
	return &Dispatcher{
		senders:         senders,
		forced:          forced,
		failClosed:      opts.FailClosed,
		workers:         workers,
		endpointTimeout: endpointTimeout,
		totalTimeout:    totalTimeout,
		logger:          opts.Logger,
		deliveries:      deliveries,
	}
}

// DefaultSenders returns the built-in HTTP senders keyed by tag.
func DefaultSenders(opts HTTPSenderOptions) map[string]Sender {
	return map[string]Sender{
		TagJSON: NewJSONSender(opts),
		TagXML:  NewXMLSender(opts),
		TagForm: NewFormSender(opts),
	}
}

// Dispatch delivers sub to every endpoint of form concurrently. Failures are
// logged and counted; they are returned only when the dispatcher is fail
// closed. Unknown tags never fail the call.
func (d *Dispatcher) Dispatch(ctx context.Context, form relayform.Form, sub relayform.Submission) error {
	endpoints := d.endpoints(form)
	if len(endpoints) == 0 {
		return nil
	}
	payload := Payload{
		ID:           sub.ID,
		UUID:         sub.UUID,
		FormIDString: sub.FormIDString,
		Owner:        sub.FormOwner,
		SubmittedAt:  sub.CreatedAt.UTC(),
		Edited:       sub.Edited,
	}

	ctx, cancel := context.WithTimeout(ctx, d.totalTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		failures []error
	)
	var group errgroup.Group
	group.SetLimit(d.workers)
	for _, endpoint := range endpoints {
		endpoint := endpoint
		sender, ok := d.senders[strings.ToLower(strings.TrimSpace(endpoint.Tag))]
		if !ok {
			d.observe(resultConfigError)
			d.logger.Warn().
				Int64("submission_id", sub.ID).
				Str("endpoint", endpoint.Name).
				Str("tag", endpoint.Tag).
				Msg("webhook endpoint has an unknown delivery tag")
			continue
		}
		group.Go(func() error {
			endpointCtx, endpointCancel := context.WithTimeout(ctx, d.endpointTimeout)
			defer endpointCancel()
			deliveryID := uuid.NewString()
			err := sender.Send(endpointCtx, endpoint.URL, deliveryID, payload)
			if err == nil {
				d.observe(resultDelivered)
				return nil
			}
			d.observe(resultFailed)
			d.logger.Error().Err(err).
				Int64("submission_id", sub.ID).
				Str("endpoint", endpoint.Name).
				Str("delivery_id", deliveryID).
				Msg("webhook delivery failed")
			mu.Lock()
			failures = append(failures, fmt.Errorf("endpoint %s: %w", endpointLabel(endpoint), err))
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	if !d.failClosed || len(failures) == 0 {
		return nil
	}
	return errors.Join(failures...)
}

// endpoints returns the form's endpoints plus the forced one, once per URL.
func (d *Dispatcher) endpoints(form relayform.Form) []relayform.FormEndpoint {
	out := make([]relayform.FormEndpoint, 0, len(form.Endpoints)+1)
	seen := map[string]struct{}{}
	add := func(endpoint relayform.FormEndpoint) {
		url := strings.TrimSpace(endpoint.URL)
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		endpoint.URL = url
		out = append(out, endpoint)
	}
	for _, endpoint := range form.Endpoints {
		add(endpoint)
	}
	if d.forced != nil {
		add(*d.forced)
	}
	return out
}

func (d *Dispatcher) observe(result string) {
	d.deliveries.WithLabelValues(result).Inc()
}

func endpointLabel(endpoint relayform.FormEndpoint) string {
	if endpoint.Name != "" {
		return endpoint.Name
	}
	return endpoint.URL
}
