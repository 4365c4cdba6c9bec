package checkout

import (
	"context"
	"errors"
)

// Widget is the hosted payment button.
type Widget interface {
	Render(orderID string)
	Restart(orderID string)
}

// Notifier shows a user-facing error.
type Notifier interface {
	Error(message string)
}

// Navigator moves the shopper to another page.
type Navigator interface {
	Confirmation(target string)
}

// UI groups the host surfaces an Outcome is dispatched to.
type UI struct {
	Widget    Widget
	Notifier  Notifier
	Navigator Navigator
}

// Dispatch forwards out to the matching surface. Nil surfaces are skipped.
func (ui UI) Dispatch(out Outcome) {
	switch out.Action {
	case ActionRender:
		if ui.Widget != nil {
			ui.Widget.Render(out.OrderID)
		}
	case ActionRestart:
		if ui.Widget != nil {
			ui.Widget.Restart(out.OrderID)
		}
	case ActionNavigate:
		if ui.Navigator != nil {
			ui.Navigator.Confirmation(out.NavigateTo)
		}
	case ActionShowError:
		if ui.Notifier != nil {
			ui.Notifier.Error(out.Message)
		}
	}
}

// Run drives one checkout from order creation to a terminal outcome. Approvals are read from the
// channel until a capture completes, a hard failure returns the flow to idle, the channel closes
// or ctx is done. Approvals that do not match the open order are logged and skipped.
func (o *Orchestrator) Run(ctx context.Context, approvals <-chan string, ui UI) (Outcome, error) {
	out, err := o.Open(ctx)
	if err != nil {
		return Outcome{}, err
	}
	ui.Dispatch(out)
	if out.Action != ActionRender {
		return out, nil
	}

	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case orderID, ok := <-approvals:
			if !ok {
				return out, nil
			}
			next, err := o.Approve(ctx, orderID)
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrCaptureInFlight) {
				o.logger(ctx, "approval_ignored", map[string]any{"orderId": orderID, "error": err})
				continue
			}
			if err != nil {
				return out, err
			}
			out = next
			ui.Dispatch(out)
			if out.Action != ActionRestart {
				return out, nil
			}
		}
	}
}
