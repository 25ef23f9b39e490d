package channel

import (
	"context"
	"fmt"
	"slices"

	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/protocol"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/events"
)

// Annotations are reactions and other metadata attached to a published
// message, identified by that message's serial
type Annotations struct {
	channel     *Channel
	subscribers *events.Emitter[string, *message.Annotation]
}

func newAnnotations(channel *Channel, callbacks *events.Queue) *Annotations {
	return &Annotations{
		channel:     channel,
		subscribers: events.NewEmitter[string, *message.Annotation](callbacks, channel.logger),
	}
}

func (a *Annotations) Publish(ctx context.Context, messageSerial string, annotation *message.Annotation) error {
	return a.channel.await(ctx, func(done protocol.Callback) {
		a.publish(messageSerial, annotation, message.AnnotationCreate, done)
	})
}

func (a *Annotations) Delete(ctx context.Context, messageSerial string, annotation *message.Annotation) error {
	return a.channel.await(ctx, func(done protocol.Callback) {
		a.publish(messageSerial, annotation, message.AnnotationDelete, done)
	})
}

// Subscribe registers fn for annotations of the given types, or all of them,
// and attaches the channel. The channel must have been granted the
// ANNOTATION_SUBSCRIBE mode.
func (a *Annotations) Subscribe(ctx context.Context, fn func(annotation *message.Annotation), types ...string) (off func(), err error) {
	off = a.subscribers.On(fn, types...)
	if err := a.channel.Attach(ctx); err != nil {
		return off, err
	}

	var modes []message.ChannelMode
	a.channel.loop.Do(func() { modes = a.channel.modes })
	if len(modes) > 0 && !slices.Contains(modes, message.ModeAnnotationSubscribe) {
		off()
		return func() {}, errorinfo.New(errorinfo.CodeOperationNotPermitted, 400,
			"the channel was not attached with the %s mode", message.ModeAnnotationSubscribe)
	}
	return off, nil
}

func (a *Annotations) publish(messageSerial string, annotation *message.Annotation, action message.AnnotationAction, done protocol.Callback) {
	c := a.channel

	if messageSerial == "" {
		done(errorinfo.New(errorinfo.CodeBadRequest, 400, "the serial of the message to annotate is required"))
		return
	}
	if annotation.Type == "" {
		done(errorinfo.New(errorinfo.CodeBadRequest, 400, "an annotation type is required"))
		return
	}

	wire := *annotation
	wire.Action = action
	wire.MessageSerial = messageSerial
	if err := wire.Encode(c.conn.Codec().Binary()); err != nil {
		done(errorinfo.Wrap(err, errorinfo.CodeBadRequest, 400))
		return
	}

	if !connectionActive(c.conn.CurrentState()) {
		done(c.conn.StateError())
		return
	}
	if c.state == StateFailed || c.state == StateSuspended {
		done(invalidStateError(c.state, c.errorReason))
		return
	}

	c.send(&message.ProtocolMessage{
		Action:      message.ActionAnnotation,
		Channel:     c.name,
		Annotations: []*message.Annotation{&wire},
	}, true, done)
}

func (a *Annotations) onAnnotations(pm *message.ProtocolMessage) {
	for i, annotation := range pm.Annotations {
		if annotation.ID == "" {
			annotation.ID = fmt.Sprintf("%s:%d", pm.ID, i)
		}
		if annotation.Timestamp == 0 {
			annotation.Timestamp = pm.Timestamp
		}
		if err := annotation.Decode(); err != nil {
			a.channel.logger.Errorf("annotation %s delivered with encoding %q: %s", annotation.ID, annotation.Encoding, err)
		}
	}

	for _, annotation := range pm.Annotations {
		a.subscribers.Emit(annotation.Type, annotation)
	}
}
