package mocks

// CallLog records arguments of each call to a mocked method.
type CallLog[T any] []T

func (c CallLog[T]) Times() int {
	return len(c)
}
