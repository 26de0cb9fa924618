package server

import (
	"fmt"
	"reflect"
)

// Method handles one XML-RPC method. Returning a *message.Fault sends that
// fault; any other error becomes fault -1000 with the error text.
type Method func(params []any) (any, error)

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]Method
}

// newService scans rcvr's exported methods and keeps those shaped like a
// Method.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]Method),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("server: %s has no methods of the form func([]any) (any, error)", svc.name)
	}
	return svc, nil
}

var (
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	anyType    = reflect.TypeOf((*any)(nil)).Elem()
	paramsType = reflect.TypeOf([]any(nil))
)

// registerMethods keeps methods with the signature
// (receiver, []any) (any, error).
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 2 || mt.In(1) != paramsType ||
			mt.NumOut() != 2 || mt.Out(0) != anyType || mt.Out(1) != errorType {
			continue
		}
		fn := s.rcvr.Method(i).Interface().(func([]any) (any, error))
		s.method[m.Name] = fn
	}
}
