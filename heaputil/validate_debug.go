//go:build debug_heaputil

package heaputil

const (
	// PoisonAlloc is the byte written across a block's usable area when it is
	// handed out, so stale reads of uninitialized memory are easy to spot.
	PoisonAlloc byte = 0xAA
	// PoisonFree is the byte written across a block's usable area when it is
	// released back to the heap.
	PoisonFree byte = 0xBB
)

// FillAlloc poisons freshly allocated memory.
// This method no-ops unless the debug_heaputil build tag is present.
func FillAlloc(data []byte) {
	for i := range data {
		data[i] = PoisonAlloc
	}
}

// FillFree poisons memory that is being returned to the heap.
// This method no-ops unless the debug_heaputil build tag is present.
func FillFree(data []byte) {
	for i := range data {
		data[i] = PoisonFree
	}
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_heaputil build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_heaputil build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
