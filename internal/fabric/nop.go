package fabric

import "context"

// NopTransport keeps a fabric process-local.
type NopTransport struct{}

func (NopTransport) Publish(ctx context.Context, ev Event) error {
	_ = ctx
	_ = ev
	return nil
}

func (NopTransport) Run(ctx context.Context, deliver func(Event)) error {
	_ = deliver
	<-ctx.Done()
	return nil
}

func (NopTransport) Close() error {
	return nil
}
