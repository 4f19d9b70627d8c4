// Package pcsc implements reader.Reader on top of a PC/SC smart card reader.
package pcsc

import (
	"context"
	"log/slog"

	"github.com/ebfe/scard"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/gregLibert/calypso-terminal/pkg/reader"
	"github.com/pkg/errors"
)

// Card is the subset of *scard.Card used by the reader.
type Card interface {
	iso7816.Transmitter
	Disconnect(d scard.Disposition) error
}

// Reader drives one card inserted in a PC/SC reader.
//
// The logical channel is considered open once the application identified by AID has been
// selected. A batch sent while the channel is closed re-selects the application first and
// reports ChannelPreviouslyOpen = false.
type Reader struct {
	name   string
	aid    []byte
	card   Card
	client *iso7816.Client
	open   bool
	// noSelect readers have no application to select: the channel is always open.
	noSelect bool
	log      *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithAID sets the application selected when the logical channel is (re)opened.
func WithAID(aid []byte) Option {
	return func(r *Reader) {
		r.aid = aid
	}
}

// WithoutSelection is used for cards that have no application to select, such as SAMs.
func WithoutSelection() Option {
	return func(r *Reader) {
		r.noSelect = true
	}
}

// WithLogger sets the logger used for batch traces.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		r.log = l
	}
}

// New wraps an already connected card.
func New(name string, card Card, opts ...Option) *Reader {
	r := &Reader{
		name:   name,
		card:   card,
		client: iso7816.NewClient(card),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect opens the named reader of the PC/SC context.
func Connect(ctx *scard.Context, name string, opts ...Option) (*Reader, error) {
	// T=0 or T=1 explicitly, "any" is rejected by some drivers.
	card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %q", name)
	}
	return New(name, card, opts...), nil
}

// ListReaders returns the names of the readers known to the PC/SC context.
func ListReaders(ctx *scard.Context) ([]string, error) {
	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, errors.Wrap(err, "listing readers")
	}
	if len(readers) == 0 {
		return nil, errors.New("no smart card reader found")
	}
	return readers, nil
}

// Name returns the PC/SC reader name.
func (r *Reader) Name() string {
	return r.name
}

// Select selects the application and opens the logical channel.
// It returns the SELECT response, whose data is the FCI.
func (r *Reader) Select(aid []byte) (*iso7816.ResponseAPDU, error) {
	cls, _ := iso7816.NewClass(0x00)
	resp, err := r.client.Exchange(iso7816.SelectByAID(cls, aid))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: selecting %X", r.name, aid)
	}
	if !resp.IsSuccess() {
		return resp, errors.Errorf("%s: selecting %X: %s", r.name, aid, resp.Status.Verbose())
	}
	r.aid = aid
	r.open = true
	return resp, nil
}

// Transmit implements reader.Reader.
func (r *Reader) Transmit(req reader.Request, cc reader.ChannelControl) (*reader.Response, error) {
	out := &reader.Response{ChannelPreviouslyOpen: r.open || r.noSelect}

	if !r.open && !r.noSelect {
		if r.aid == nil {
			return nil, &reader.TransmitError{Err: errors.Errorf("%s: logical channel closed and no application to select", r.name)}
		}
		if _, err := r.Select(r.aid); err != nil {
			return nil, &reader.TransmitError{Err: err}
		}
	}

	for _, cmd := range req.Commands {
		trace, err := r.client.Send(cmd)
		if err != nil {
			r.open = false
			return nil, &reader.TransmitError{Partial: out, Err: errors.Wrap(err, r.name)}
		}
		level := slog.LevelDebug
		if !trace.IsSuccess() {
			level = slog.LevelInfo
		}
		r.log.Log(context.Background(), level, "apdu", "reader", r.name, "success", trace.IsSuccess(), "trace", trace.String())
		out.Responses = append(out.Responses, trace.Last().Response)
	}

	if cc == reader.CloseAfter {
		r.open = false
	}
	return out, nil
}

// ATR returns the answer to reset of the card.
func (r *Reader) ATR() ([]byte, error) {
	card, ok := r.card.(interface {
		Status() (*scard.CardStatus, error)
	})
	if !ok {
		return nil, errors.Errorf("%s: card status not available", r.name)
	}
	status, err := card.Status()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading card status", r.name)
	}
	return status.Atr, nil
}

// Close disconnects from the card, leaving it powered.
func (r *Reader) Close() error {
	r.open = false
	return errors.Wrap(r.card.Disconnect(scard.LeaveCard), "disconnect")
}
