package codec

import "fmt"

// Bool asserts a decoded value is a boolean.
func Bool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("value %v is %T, want bool", v, v)
	}
	return b, nil
}

// String asserts a decoded value is a string.
func String(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("value %v is %T, want string", v, v)
	}
	return s, nil
}

// Int asserts a decoded value is an integer.
func Int(v any) (int, error) {
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("value %v is %T, want int", v, v)
	}
	return n, nil
}
