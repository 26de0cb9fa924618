package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"mania-rpc/message"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

// dateTimeLayouts are tried in order when decoding dateTime.iso8601 values.
var dateTimeLayouts = []string{
	"20060102T15:04:05",
	"2006-01-02T15:04:05",
	"20060102T15:04:05Z07:00",
	"2006-01-02T15:04:05Z07:00",
}

// XMLRPC is the XML-RPC codec used by GBXRemote.
//
// Encoded Go types: nil, bool, every int and uint kind (must fit in 32 bits),
// float32/64, string, []byte (base64), time.Time, slices and arrays, maps with
// string keys, and structs (field name or `xmlrpc:"name"` tag).
//
// Decoded values: int, bool, string, float64, time.Time, []byte, []any,
// map[string]any and nil.
type XMLRPC struct{}

func (XMLRPC) EncodeCall(method string, params ...any) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xmlHeader)
	b.WriteString("<methodCall><methodName>")
	if err := xml.EscapeText(&b, []byte(method)); err != nil {
		return nil, err
	}
	b.WriteString("</methodName><params>")
	for i, p := range params {
		b.WriteString("<param>")
		if err := encodeValue(&b, reflect.ValueOf(p)); err != nil {
			return nil, fmt.Errorf("encode param %d of %s: %w", i, method, err)
		}
		b.WriteString("</param>")
	}
	b.WriteString("</params></methodCall>")
	return b.Bytes(), nil
}

func (XMLRPC) EncodeResponse(result any) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xmlHeader)
	b.WriteString("<methodResponse><params><param>")
	if err := encodeValue(&b, reflect.ValueOf(result)); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	b.WriteString("</param></params></methodResponse>")
	return b.Bytes(), nil
}

func (XMLRPC) EncodeFault(fault *message.Fault) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xmlHeader)
	b.WriteString("<methodResponse><fault>")
	members := map[string]any{
		"faultCode":   fault.Code,
		"faultString": fault.String,
	}
	if err := encodeValue(&b, reflect.ValueOf(members)); err != nil {
		return nil, fmt.Errorf("encode fault: %w", err)
	}
	b.WriteString("</fault></methodResponse>")
	return b.Bytes(), nil
}

func (XMLRPC) Decode(data []byte) (*message.Message, error) {
	if !utf8.Valid(data) {
		return nil, &DecodeError{Err: errors.New("payload is not valid UTF-8")}
	}

	var env xmlEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}

	switch env.XMLName.Local {
	case "methodResponse":
		// (a) fault response
		if env.Fault != nil {
			fault, err := decodeFault(env.Fault)
			if err != nil {
				return nil, &DecodeError{Err: err}
			}
			return &message.Message{Kind: message.KindFault, Fault: fault}, nil
		}
		// (b) successful response
		params, err := decodeParams(env.Params)
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		return &message.Message{Kind: message.KindResponse, Params: params}, nil

	case "methodCall":
		// (c) inbound call
		method := strings.TrimSpace(env.MethodName)
		if method == "" {
			return nil, &DecodeError{Err: errors.New("methodCall without methodName")}
		}
		params, err := decodeParams(env.Params)
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		return &message.Message{Kind: message.KindCall, Method: method, Params: params}, nil

	default:
		return nil, &DecodeError{Err: fmt.Errorf("unexpected root element <%s>", env.XMLName.Local)}
	}
}

type xmlEnvelope struct {
	XMLName    xml.Name
	MethodName string     `xml:"methodName"`
	Params     []xmlValue `xml:"params>param>value"`
	Fault      *xmlValue  `xml:"fault>value"`
}

type xmlValue struct {
	Int      *string    `xml:"int"`
	I4       *string    `xml:"i4"`
	I8       *string    `xml:"i8"`
	Boolean  *string    `xml:"boolean"`
	String   *string    `xml:"string"`
	Double   *string    `xml:"double"`
	DateTime *string    `xml:"dateTime.iso8601"`
	Base64   *string    `xml:"base64"`
	Struct   *xmlStruct `xml:"struct"`
	Array    *xmlArray  `xml:"array"`
	Nil      *struct{}  `xml:"nil"`
	Text     string     `xml:",chardata"`
}

type xmlStruct struct {
	Members []xmlMember `xml:"member"`
}

type xmlMember struct {
	Name  string   `xml:"name"`
	Value xmlValue `xml:"value"`
}

type xmlArray struct {
	Values []xmlValue `xml:"data>value"`
}

func decodeParams(values []xmlValue) ([]any, error) {
	params := make([]any, 0, len(values))
	for i := range values {
		v, err := decodeValue(&values[i])
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		params = append(params, v)
	}
	return params, nil
}

func decodeFault(v *xmlValue) (*message.Fault, error) {
	raw, err := decodeValue(v)
	if err != nil {
		return nil, fmt.Errorf("fault: %w", err)
	}
	members, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("fault value is %T, want struct", raw)
	}
	code, err := Int(members["faultCode"])
	if err != nil {
		return nil, fmt.Errorf("faultCode: %w", err)
	}
	text, err := String(members["faultString"])
	if err != nil {
		return nil, fmt.Errorf("faultString: %w", err)
	}
	return &message.Fault{Code: code, String: text}, nil
}

func decodeValue(v *xmlValue) (any, error) {
	switch {
	case v.Int != nil:
		return parseInt(*v.Int)
	case v.I4 != nil:
		return parseInt(*v.I4)
	case v.I8 != nil:
		return parseInt(*v.I8)
	case v.Boolean != nil:
		switch strings.TrimSpace(*v.Boolean) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		default:
			return nil, fmt.Errorf("invalid boolean %q", *v.Boolean)
		}
	case v.String != nil:
		return *v.String, nil
	case v.Double != nil:
		f, err := strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid double: %w", err)
		}
		return f, nil
	case v.DateTime != nil:
		s := strings.TrimSpace(*v.DateTime)
		for _, layout := range dateTimeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return nil, fmt.Errorf("invalid dateTime.iso8601 %q", s)
	case v.Base64 != nil:
		clean := strings.Join(strings.Fields(*v.Base64), "")
		b, err := base64.StdEncoding.DecodeString(clean)
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %w", err)
		}
		return b, nil
	case v.Struct != nil:
		m := make(map[string]any, len(v.Struct.Members))
		for i := range v.Struct.Members {
			member := &v.Struct.Members[i]
			val, err := decodeValue(&member.Value)
			if err != nil {
				return nil, fmt.Errorf("member %s: %w", member.Name, err)
			}
			m[member.Name] = val
		}
		return m, nil
	case v.Array != nil:
		arr := make([]any, 0, len(v.Array.Values))
		for i := range v.Array.Values {
			val, err := decodeValue(&v.Array.Values[i])
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			arr = append(arr, val)
		}
		return arr, nil
	case v.Nil != nil:
		return nil, nil
	default:
		// A <value> without a type element is a string.
		return v.Text, nil
	}
}

func parseInt(s string) (int, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid int: %w", err)
	}
	return int(n), nil
}

var timeType = reflect.TypeOf(time.Time{})

func encodeValue(b *bytes.Buffer, v reflect.Value) error {
	if !v.IsValid() {
		b.WriteString("<value><nil/></value>")
		return nil
	}

	if v.Type() == timeType {
		b.WriteString("<value><dateTime.iso8601>")
		b.WriteString(v.Interface().(time.Time).Format("20060102T15:04:05"))
		b.WriteString("</dateTime.iso8601></value>")
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			b.WriteString("<value><nil/></value>")
			return nil
		}
		return encodeValue(b, v.Elem())

	case reflect.Bool:
		if v.Bool() {
			b.WriteString("<value><boolean>1</boolean></value>")
		} else {
			b.WriteString("<value><boolean>0</boolean></value>")
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := v.Int()
		if n < math.MinInt32 || n > math.MaxInt32 {
			return fmt.Errorf("int %d does not fit in 32 bits", n)
		}
		b.WriteString("<value><int>")
		b.WriteString(strconv.FormatInt(n, 10))
		b.WriteString("</int></value>")

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := v.Uint()
		if n > math.MaxInt32 {
			return fmt.Errorf("uint %d does not fit in 32 bits", n)
		}
		b.WriteString("<value><int>")
		b.WriteString(strconv.FormatUint(n, 10))
		b.WriteString("</int></value>")

	case reflect.Float32, reflect.Float64:
		b.WriteString("<value><double>")
		b.WriteString(strconv.FormatFloat(v.Float(), 'f', -1, 64))
		b.WriteString("</double></value>")

	case reflect.String:
		b.WriteString("<value><string>")
		if err := xml.EscapeText(b, []byte(v.String())); err != nil {
			return err
		}
		b.WriteString("</string></value>")

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			b.WriteString("<value><base64>")
			b.WriteString(base64.StdEncoding.EncodeToString(v.Bytes()))
			b.WriteString("</base64></value>")
			return nil
		}
		b.WriteString("<value><array><data>")
		for i := 0; i < v.Len(); i++ {
			if err := encodeValue(b, v.Index(i)); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		b.WriteString("</data></array></value>")

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("map key type %s is not string", v.Type().Key())
		}
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		b.WriteString("<value><struct>")
		for _, k := range keys {
			if err := encodeMember(b, k.String(), v.MapIndex(k)); err != nil {
				return err
			}
		}
		b.WriteString("</struct></value>")

	case reflect.Struct:
		t := v.Type()
		b.WriteString("<value><struct>")
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name := field.Name
			if tag, ok := field.Tag.Lookup("xmlrpc"); ok {
				if tag == "-" {
					continue
				}
				name = tag
			}
			if err := encodeMember(b, name, v.Field(i)); err != nil {
				return err
			}
		}
		b.WriteString("</struct></value>")

	default:
		return fmt.Errorf("unsupported type %s", v.Type())
	}
	return nil
}

func encodeMember(b *bytes.Buffer, name string, v reflect.Value) error {
	b.WriteString("<member><name>")
	if err := xml.EscapeText(b, []byte(name)); err != nil {
		return err
	}
	b.WriteString("</name>")
	if err := encodeValue(b, v); err != nil {
		return fmt.Errorf("member %s: %w", name, err)
	}
	b.WriteString("</member>")
	return nil
}
