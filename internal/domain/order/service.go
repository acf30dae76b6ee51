package order

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/cricket-kart/internal/domain/auth"
)

// PaymentUpdate is the payment state written by a settlement transition.
type PaymentUpdate struct {
	Status    PaymentStatus
	PaymentID string
	Signature string
}

// Repository defines persistence operations for orders. Every mutating
// method is a conditional write on the stored state and returns ErrConflict
// when the condition does not hold.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByIntent(ctx context.Context, intentID string) (*Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]Order, error)
	List(ctx context.Context) ([]Order, error)
	// UpdatePayment writes u if the stored payment status equals from.
	UpdatePayment(ctx context.Context, id string, from PaymentStatus, u PaymentUpdate) (*Order, error)
	// UpdateFulfillment writes to if the stored fulfillment status equals from.
	UpdateFulfillment(ctx context.Context, id string, from, to FulfillmentStatus) (*Order, error)
	// AttachIntent sets the intent reference of a pending order that has none.
	AttachIntent(ctx context.Context, id, intentID string) (*Order, error)
	AttachShipment(ctx context.Context, id, ref string) error
}

// Service drives the order state machines against the repository.
type Service struct {
	orders Repository
}

// NewService creates an order Service.
func NewService(orders Repository) *Service {
	return &Service{orders: orders}
}

// Create persists a new order.
func (s *Service) Create(ctx context.Context, o *Order) error {
	if err := s.orders.Create(ctx, o); err != nil {
		return errors.Wrap(err, "create order")
	}
	return nil
}

// Get returns an order without an access check. It is meant for internal
// callers that have already authenticated the request by other means.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.orders.Get(ctx, id)
}

// GetByIntent returns the order a payment intent was created for.
func (s *Service) GetByIntent(ctx context.Context, intentID string) (*Order, error) {
	if intentID == "" {
		return nil, ErrNotFound
	}
	return s.orders.GetByIntent(ctx, intentID)
}

// AttachIntent records the gateway intent of a pending order.
func (s *Service) AttachIntent(ctx context.Context, id, intentID string) (*Order, error) {
	o, err := s.orders.AttachIntent(ctx, id, intentID)
	if err != nil {
		return nil, errors.Wrap(err, "attach intent")
	}
	return o, nil
}

// AttachShipment records the carrier shipment reference.
func (s *Service) AttachShipment(ctx context.Context, id, ref string) error {
	if err := s.orders.AttachShipment(ctx, id, ref); err != nil {
		return errors.Wrap(err, "attach shipment")
	}
	return nil
}

// MarkPaymentCompleted moves an order from pending to completed. Repeating
// the call with the same payment id is a no-op.
func (s *Service) MarkPaymentCompleted(ctx context.Context, id, paymentID, signature string) (*Order, error) {
	return s.settle(ctx, id, func(o *Order) (bool, error) {
		return o.CompletePayment(paymentID, signature)
	})
}

// MarkPaymentFailed moves an order from pending to failed.
func (s *Service) MarkPaymentFailed(ctx context.Context, id string) (*Order, error) {
	return s.settle(ctx, id, (*Order).FailPayment)
}

func (s *Service) settle(ctx context.Context, id string, apply func(*Order) (bool, error)) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := o.Payment
	changed, err := apply(o)
	if err != nil || !changed {
		return o, err
	}

	updated, err := s.orders.UpdatePayment(ctx, id, from, PaymentUpdate{
		Status:    o.Payment,
		PaymentID: o.PaymentID,
		Signature: o.PaymentSignature,
	})
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, errors.Wrap(err, "update payment")
	}

	// Lost a race with another transition: re-apply against the fresh state
	// so a concurrent duplicate resolves to the idempotent no-op.
	fresh, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed, err := apply(fresh); err != nil || changed {
		return nil, ErrInvalidStateTransition
	}
	return fresh, nil
}

// AdvanceFulfillment moves an order along the fulfillment graph. Only
// administrators may call it.
func (s *Service) AdvanceFulfillment(ctx context.Context, p auth.Principal, id string, next FulfillmentStatus) (*Order, error) {
	if err := p.RequireAdmin(); err != nil {
		return nil, err
	}
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := o.Fulfillment
	if err := o.Advance(next); err != nil {
		return nil, err
	}
	updated, err := s.orders.UpdateFulfillment(ctx, id, from, next)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrInvalidStateTransition
		}
		return nil, errors.Wrap(err, "update fulfillment")
	}
	return updated, nil
}

// View returns the order if p owns it or is an administrator.
func (s *Service) View(ctx context.Context, p auth.Principal, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanAccess(o.CustomerID) {
		return nil, auth.ErrNotAuthorized
	}
	return o, nil
}

// ListMine returns the caller's orders, newest first.
func (s *Service) ListMine(ctx context.Context, p auth.Principal) ([]Order, error) {
	if p.Subject == "" {
		return nil, auth.ErrUnauthenticated
	}
	orders, err := s.orders.ListByCustomer(ctx, p.Subject)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// ListAll returns every order, newest first. Only administrators may call it.
func (s *Service) ListAll(ctx context.Context, p auth.Principal) ([]Order, error) {
	if err := p.RequireAdmin(); err != nil {
		return nil, err
	}
	orders, err := s.orders.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}
