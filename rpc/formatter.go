package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Formatter is the Strategy that turns a Message into frame payload bytes.
type Formatter interface {
	Name() string
	ContentType() string
	Marshal(m Message) ([]byte, error)
	Unmarshal(data []byte) (Message, error)
}

const (
	FormatterJSON = "json"
	FormatterCBOR = "cbor"

	ContentTypeJSON = "application/testingplatform"
	ContentTypeCBOR = "application/cbor"
)

// JSONFormatter is the default formatter.
type JSONFormatter struct{}

func (JSONFormatter) Name() string        { return FormatterJSON }
func (JSONFormatter) ContentType() string { return ContentTypeJSON }

func (JSONFormatter) Marshal(m Message) ([]byte, error) {
	env, err := EncodeMessage(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (JSONFormatter) Unmarshal(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env map[string]any
	if err := dec.Decode(&env); err != nil {
		return nil, &ProtocolError{Code: CodeParseError, Msg: "invalid json", Err: err}
	}
	return DecodeMessage(env)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}
	// Envelopes only use string keys.
	cborDec, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORFormatter encodes the same generic envelope as CBOR.
type CBORFormatter struct{}

func (CBORFormatter) Name() string        { return FormatterCBOR }
func (CBORFormatter) ContentType() string { return ContentTypeCBOR }

func (CBORFormatter) Marshal(m Message) ([]byte, error) {
	env, err := EncodeMessage(m)
	if err != nil {
		return nil, err
	}
	return cborEnc.Marshal(env)
}

func (CBORFormatter) Unmarshal(data []byte) (Message, error) {
	var env map[string]any
	if err := cborDec.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Code: CodeParseError, Msg: "invalid cbor", Err: err}
	}
	return DecodeMessage(env)
}

// FormatterFactory constructs formatters via Factory pattern.
type FormatterFactory func() Formatter

var (
	formatterRegistryMu sync.RWMutex
	formatterRegistry   = map[string]FormatterFactory{
		FormatterJSON: func() Formatter { return JSONFormatter{} },
		FormatterCBOR: func() Formatter { return CBORFormatter{} },
	}
)

// RegisterFormatter registers a formatter factory by name.
func RegisterFormatter(name string, factory FormatterFactory) error {
	if name == "" {
		return errors.New("formatter name must not be empty")
	}
	if factory == nil {
		return errors.New("formatter factory must not be nil")
	}
	formatterRegistryMu.Lock()
	formatterRegistry[name] = factory
	formatterRegistryMu.Unlock()
	return nil
}

// NewFormatter constructs a formatter by name.
func NewFormatter(name string) (Formatter, error) {
	formatterRegistryMu.RLock()
	f, ok := formatterRegistry[name]
	formatterRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownFormatter{name: name}
	}
	return f(), nil
}

// FormatterForContentType returns the registered formatter for a frame's
// Content-Type. Parameters such as "; charset=utf-8" are ignored.
func FormatterForContentType(contentType string) (Formatter, error) {
	mime, _, _ := strings.Cut(contentType, ";")
	mime = strings.TrimSpace(mime)

	formatterRegistryMu.RLock()
	defer formatterRegistryMu.RUnlock()
	for _, factory := range formatterRegistry {
		if f := factory(); strings.EqualFold(f.ContentType(), mime) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("rpc: no formatter for content type %q", contentType)
}
