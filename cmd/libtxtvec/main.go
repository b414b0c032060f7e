// Command libtxtvec is built with -buildmode=c-shared and exposes the
// embedding pipeline to C callers.
//
//	FloatArrayArray process_strings(const char **strings, const uintptr_t *lengths, uintptr_t count);
//	void free_float_array_array(FloatArrayArray array);
//	int embed_strings(const char **strings, const uintptr_t *lengths, uintptr_t count, FloatArrayArray *out);
//	int init_embedder(void);
//
// Every structure returned by process_strings or embed_strings must be passed
// to free_float_array_array exactly once. Freeing a structure twice, or one
// that did not come from this library, is undefined behavior.
//
// The library reads its configuration from the file named by TXTVEC_CONFIG
// (optional) and from TXTVEC_* environment variables. Logs go to stderr.
//
// Loading the library prints one "INFO: CachedDir=..." line to the host's
// stderr: the tokenizer package logs its download cache directory (HOME or
// GO_TOKENIZER) from its init function, before any of this code runs.
package main

/*
#include <stdint.h>

typedef struct {
	float *data;
	uintptr_t len;
} FloatArray;

typedef struct {
	FloatArray *arrays;
	uintptr_t len;
} FloatArrayArray;
*/
import "C"

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/handoff"
)

//export process_strings
func process_strings(strs **C.char, lengths *C.uintptr_t, count C.uintptr_t) C.FloatArrayArray {
	out, err := embedStrings((**byte)(unsafe.Pointer(strs)), (*uintptr)(unsafe.Pointer(lengths)), int(count))
	if err != nil {
		if embeddings.IsLoadError(err) {
			libLog.Fatal("Embedding model unavailable", zap.Error(err))
		}
		libLog.Error("process_strings failed",
			zap.Int("count", int(count)),
			zap.Int("code", embeddings.Code(err)),
			zap.Error(err))
		return C.FloatArrayArray{}
	}
	return toC(out)
}

//export free_float_array_array
func free_float_array_array(array C.FloatArrayArray) {
	handoff.Release(*(*handoff.FloatArrayArray)(unsafe.Pointer(&array)))
}

//export embed_strings
func embed_strings(strs **C.char, lengths *C.uintptr_t, count C.uintptr_t, out *C.FloatArrayArray) C.int {
	if out == nil {
		return C.int(embeddings.ErrInvalidInput.Code)
	}
	*out = C.FloatArrayArray{}

	res, err := embedStrings((**byte)(unsafe.Pointer(strs)), (*uintptr)(unsafe.Pointer(lengths)), int(count))
	if err != nil {
		libLog.Error("embed_strings failed",
			zap.Int("count", int(count)),
			zap.Int("code", embeddings.Code(err)),
			zap.Error(err))
		return C.int(embeddings.Code(err))
	}
	*out = toC(res)
	return 0
}

//export init_embedder
func init_embedder() C.int {
	if err := warmUp(); err != nil {
		libLog.Error("init_embedder failed", zap.Error(err))
		return C.int(embeddings.Code(err))
	}
	return 0
}

func toC(arr handoff.FloatArrayArray) C.FloatArrayArray {
	return *(*C.FloatArrayArray)(unsafe.Pointer(&arr))
}

func main() {}
