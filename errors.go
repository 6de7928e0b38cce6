package memheap

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfMemoryError is the error returned from allocation methods when the underlying byte-region
// provider refuses to extend the managed region any further
var OutOfMemoryError error = errors.New("provider cannot extend the managed region")
