package loader

import "errors"

// unknownBundleError signals a request for a name absent from the manifest.
type unknownBundleError struct{ name string }

func (e unknownBundleError) Error() string { return "unknown bundle: " + e.name }

// ErrUnknownBundle returns an error for a bundle name absent from the manifest.
func ErrUnknownBundle(name string) error { return unknownBundleError{name: name} }

// IsUnknownBundle reports whether err indicates a name absent from the manifest.
func IsUnknownBundle(err error) bool {
	var ue unknownBundleError
	return errors.As(err, &ue)
}

// bundleBusyError signals an unload refused because transport or extraction
// work is in flight for the record.
type bundleBusyError struct{ name string }

func (e bundleBusyError) Error() string { return "bundle busy: " + e.name }

// ErrBundleBusy returns an error for an unload refused on a busy record.
func ErrBundleBusy(name string) error { return bundleBusyError{name: name} }

// IsBundleBusy reports whether err indicates a busy-protected record.
func IsBundleBusy(err error) bool {
	var be bundleBusyError
	return errors.As(err, &be)
}

// bundlePinnedError signals an unload refused because the record is pinned.
type bundlePinnedError struct{ name string }

func (e bundlePinnedError) Error() string { return "bundle pinned: " + e.name }

// ErrBundlePinned returns an error for an unload refused on a pinned record.
func ErrBundlePinned(name string) error { return bundlePinnedError{name: name} }

// IsBundlePinned reports whether err indicates a pinned record.
func IsBundlePinned(err error) bool {
	var pe bundlePinnedError
	return errors.As(err, &pe)
}

// missingCacheFileError signals absent or corrupt local bytes at the
// downloaded step. It is fatal for the bundle's current attempt; the state
// machine does not fall back to a re-download on its own.
type missingCacheFileError struct {
	name string
	err  error
}

func (e missingCacheFileError) Error() string {
	return "missing cache file for " + e.name + ": " + e.err.Error()
}

func (e missingCacheFileError) Unwrap() error { return e.err }

// IsMissingCacheFile reports whether err indicates absent/corrupt cached bytes.
func IsMissingCacheFile(err error) bool {
	var me missingCacheFileError
	return errors.As(err, &me)
}
