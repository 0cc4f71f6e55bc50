// Package charset converts Go strings to and from native text encodings.
//
// Narrow strings (char*) use the process-wide default from Default, which
// honors the FFI_RUNTIME_ENCODING environment variable. Wide strings
// (wchar_t*) use UTF-16 or UTF-32 depending on the target platform.
package charset
