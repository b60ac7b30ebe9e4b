package emit

import (
	"context"
	"fmt"
	"reflect"
	goruntime "runtime"

	"github.com/merchkit/courier/pkg/events"
	"github.com/merchkit/courier/pkg/log"
	"github.com/merchkit/courier/pkg/runtime"
	"github.com/rs/zerolog"
)

// DataExtractor produces the event payload from the wrapped call's
// argument and result. Returning an empty map suppresses the emission.
type DataExtractor func(args any, result any) (map[string]any, error)

// MetadataExtractor produces the event metadata from the wrapped call's
// argument and result.
type MetadataExtractor func(args any, result any) (map[string]string, error)

// Condition gates the emission. Returning false suppresses it.
type Condition func(args any, result any) bool

type options struct {
	data      DataExtractor
	metadata  MetadataExtractor
	source    string
	condition Condition
}

// Option configures the emission wrapper
type Option func(*options)

// WithDataExtractor sets the payload extractor
func WithDataExtractor(fn DataExtractor) Option {
	return func(o *options) { o.data = fn }
}

// WithMetadataExtractor sets the metadata extractor
func WithMetadataExtractor(fn MetadataExtractor) Option {
	return func(o *options) { o.metadata = fn }
}

// WithSource sets the metadata source value explicitly
func WithSource(source string) Option {
	return func(o *options) { o.source = source }
}

// WithCondition sets the emission gate
func WithCondition(fn Condition) Option {
	return func(o *options) { o.condition = fn }
}

// conventionalKeys are the argument names the default extractor harvests
var conventionalKeys = []string{"order_id", "id_order", "id", "customer_id", "product_id"}

// OnSuccess wraps a service function so that an event of the given type is
// emitted after it returns without error. The wrapped function's result
// and error always pass through unchanged; every failure inside the event
// subsystem is logged and discarded. A failing service call emits nothing.
func OnSuccess[A any, R any](eventType events.Type, fn func(context.Context, A) (R, error), opts ...Option) func(context.Context, A) (R, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.source == "" {
		o.source = functionName(fn)
	}

	logger := log.WithComponent("emit")

	return func(ctx context.Context, args A) (R, error) {
		result, err := fn(ctx, args)
		if err != nil {
			return result, err
		}

		emitAfter(logger, eventType, o, args, result)
		return result, nil
	}
}

// emitAfter runs the full emission pipeline for one completed call. It
// never lets an event-subsystem failure reach the service caller.
func emitAfter(logger zerolog.Logger, eventType events.Type, o *options, args, result any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("event_type", string(eventType)).
				Str("source", o.source).
				Interface("panic", r).
				Msg("Event emission panicked")
		}
	}()

	if o.condition != nil && !evaluateCondition(logger, o, args, result) {
		return
	}

	data, ok := extractData(logger, eventType, o, args, result)
	if !ok || len(data) == 0 {
		return
	}

	metadata := extractMetadata(logger, o, args, result)

	event, err := events.New(string(eventType), data, metadata)
	if err != nil {
		logger.Warn().Err(err).Str("source", o.source).Msg("Failed to construct event")
		return
	}

	if err := runtime.Emit(event); err != nil {
		logger.Error().
			Err(err).
			Str("event_type", string(eventType)).
			Str("source", o.source).
			Msg("Failed to emit event")
	}
}

// evaluateCondition applies the gate; a panicking condition suppresses
// the emission.
func evaluateCondition(logger zerolog.Logger, o *options, args, result any) (emit bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().
				Str("source", o.source).
				Interface("panic", r).
				Msg("Failed to evaluate emission condition")
			emit = false
		}
	}()
	return o.condition(args, result)
}

func extractData(logger zerolog.Logger, eventType events.Type, o *options, args, result any) (data map[string]any, ok bool) {
	if o.data == nil {
		return defaultData(args), true
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Warn().
				Str("event_type", string(eventType)).
				Str("source", o.source).
				Interface("panic", r).
				Msg("Failed to extract event data")
			data, ok = nil, false
		}
	}()

	extracted, err := o.data(args, result)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("event_type", string(eventType)).
			Str("source", o.source).
			Msg("Failed to extract event data")
		return nil, false
	}
	return extracted, true
}

func extractMetadata(logger zerolog.Logger, o *options, args, result any) map[string]string {
	if o.metadata == nil {
		return defaultMetadata(o.source, args)
	}

	metadata, err := safeMetadata(o, args, result)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("source", o.source).
			Msg("Failed to extract event metadata")
		return map[string]string{}
	}
	return metadata
}

func safeMetadata(o *options, args, result any) (metadata map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			metadata, err = nil, fmt.Errorf("metadata extractor panicked: %v", r)
		}
	}()
	return o.metadata(args, result)
}

// functionName resolves the fully qualified name of fn for the default
// metadata source.
func functionName(fn any) string {
	value := reflect.ValueOf(fn)
	if value.Kind() != reflect.Func {
		return "unknown"
	}
	pc := goruntime.FuncForPC(value.Pointer())
	if pc == nil {
		return "unknown"
	}
	return pc.Name()
}

// defaultData harvests the conventional identifier keys from a map-typed
// argument, and from any map-typed values nested one level inside it.
func defaultData(args any) map[string]any {
	data := make(map[string]any)

	argMap, ok := args.(map[string]any)
	if !ok {
		return data
	}

	for _, key := range conventionalKeys {
		if value, present := argMap[key]; present {
			data[key] = value
		}
	}

	for _, value := range argMap {
		nested, isMap := value.(map[string]any)
		if !isMap {
			continue
		}
		for _, key := range conventionalKeys {
			if _, already := data[key]; already {
				continue
			}
			if nestedValue, present := nested[key]; present {
				data[key] = nestedValue
			}
		}
	}

	return data
}

// defaultMetadata records the source and, when available, the order id
func defaultMetadata(source string, args any) map[string]string {
	metadata := map[string]string{"source": source}

	argMap, ok := args.(map[string]any)
	if !ok {
		return metadata
	}
	for _, key := range []string{"order_id", "id_order"} {
		if value, present := argMap[key]; present && value != nil {
			metadata["id_order"] = fmt.Sprintf("%v", value)
			break
		}
	}
	return metadata
}
