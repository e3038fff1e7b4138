package plugin

import (
	"errors"
	"strings"
	"time"

	goerrors "github.com/agilira/go-errors"
)

// Error codes for the plugin host. The prefix before the underscore names the
// error class.
const (
	// Load errors (1000-1099): the module file is unusable.
	ErrCodeModuleNotFound    = "LOAD_1001"
	ErrCodeModuleInvalid     = "LOAD_1002"
	ErrCodeContractViolation = "LOAD_1003"

	// Instantiation errors (1100-1199): the module was rejected while linking or starting.
	ErrCodeCapabilityNotGranted = "INSTANTIATE_1101"
	ErrCodeGuestInitFailed      = "INSTANTIATE_1102"
	ErrCodeABIMismatch          = "INSTANTIATE_1103"
	ErrCodeHostBindFailed       = "INSTANTIATE_1104"

	// Capability errors (1200-1299): surfaced to guests as error responses.
	ErrCodeCapabilityDenied  = "CAPABILITY_1201"
	ErrCodeHardwareFailure   = "CAPABILITY_1202"
	ErrCodeCapabilityTimeout = "CAPABILITY_1203"
	ErrCodeBadRequest        = "CAPABILITY_1204"

	// Poll errors (1300-1399).
	ErrCodePollFailed    = "POLL_1301"
	ErrCodePollReported  = "POLL_1302"
	ErrCodePollMalformed = "POLL_1303"
	ErrCodePollTimeout   = "POLL_1304"

	// Render/update errors (1400-1499).
	ErrCodeRenderFailed = "RENDER_1401"
	ErrCodeUpdateFailed = "RENDER_1402"

	// Forward errors (1500-1599).
	ErrCodeForwardFailed   = "FORWARD_1501"
	ErrCodeForwardRejected = "FORWARD_1502"

	// Reload errors (1600-1699).
	ErrCodeReloadStat   = "RELOAD_1601"
	ErrCodeReloadFailed = "RELOAD_1602"

	// Slot errors.
	ErrCodePluginNotLoaded = "PLUGIN_NOT_LOADED"
)

// Error class prefixes used by the Is* helpers.
const (
	classLoad        = "LOAD_"
	classInstantiate = "INSTANTIATE_"
	classCapability  = "CAPABILITY_"
	classPoll        = "POLL_"
	classRender      = "RENDER_"
	classForward     = "FORWARD_"
	classReload      = "RELOAD_"
)

// wrap attaches cause when there is one.
func wrap(cause error, code goerrors.ErrorCode, message string) *goerrors.Error {
	if cause == nil {
		return goerrors.New(code, message)
	}
	return goerrors.Wrap(cause, code, message)
}

// Load errors

func NewModuleNotFoundError(role Role, path string, cause error) *goerrors.Error {
	return wrap(cause, ErrCodeModuleNotFound, "Plugin module not readable").
		WithUserMessage("The plugin binary could not be read from disk").
		WithContext("role", string(role)).
		WithContext("path", path).
		WithSeverity("error")
}

func NewModuleInvalidError(role Role, path string, cause error) *goerrors.Error {
	return wrap(cause, ErrCodeModuleInvalid, "Plugin module failed validation").
		WithUserMessage("The plugin binary is not a valid WebAssembly module").
		WithContext("role", string(role)).
		WithContext("path", path).
		WithSeverity("error")
}

func NewContractViolationError(role Role, path, detail string) *goerrors.Error {
	return goerrors.New(ErrCodeContractViolation, "Plugin contract violation: "+detail).
		WithUserMessage("The plugin does not implement the contract for its role").
		WithContext("role", string(role)).
		WithContext("path", path).
		WithSeverity("error")
}

// Instantiation errors

func NewCapabilityNotGrantedError(role Role, module, name string) *goerrors.Error {
	return goerrors.New(ErrCodeCapabilityNotGranted, "Import not granted: "+module+"."+name).
		WithUserMessage("The plugin imports a capability its role is not granted").
		WithContext("role", string(role)).
		WithContext("import_module", module).
		WithContext("import_name", name).
		WithSeverity("error")
}

func NewGuestInitError(role Role, cause error) *goerrors.Error {
	return wrap(cause, ErrCodeGuestInitFailed, "Plugin initialisation trapped").
		WithUserMessage("The plugin failed while initialising").
		WithContext("role", string(role)).
		WithSeverity("error")
}

func NewABIMismatchError(role Role, got, want uint32) *goerrors.Error {
	return goerrors.New(ErrCodeABIMismatch, "Plugin ABI version mismatch").
		WithUserMessage("The plugin was built for a different host ABI").
		WithContext("role", string(role)).
		WithContext("abi_version", got).
		WithContext("expected_abi_version", want).
		WithSeverity("error")
}

func NewHostBindError(role Role, cause error) *goerrors.Error {
	return wrap(cause, ErrCodeHostBindFailed, "Failed to bind host capabilities").
		WithContext("role", string(role)).
		WithSeverity("error")
}

// Capability errors

func NewCapabilityDeniedError(role Role, capability string) *goerrors.Error {
	return goerrors.New(ErrCodeCapabilityDenied, "Capability denied: "+capability).
		WithContext("role", string(role)).
		WithContext("capability", capability).
		WithSeverity("warning")
}

func NewHardwareFailureError(capability string, cause error) *goerrors.Error {
	return wrap(cause, ErrCodeHardwareFailure, "Hardware operation failed: "+capability).
		WithContext("capability", capability).
		WithSeverity("warning").
		AsRetryable()
}

func NewCapabilityTimeoutError(capability string, cause error) *goerrors.Error {
	return wrap(cause, ErrCodeCapabilityTimeout, "Hardware operation timed out: "+capability).
		WithContext("capability", capability).
		WithSeverity("warning").
		AsRetryable()
}

func NewBadRequestError(capability, detail string) *goerrors.Error {
	return goerrors.New(ErrCodeBadRequest, "Invalid capability request: "+detail).
		WithContext("capability", capability).
		WithSeverity("warning")
}

// Poll errors

func NewPollFailedError(role Role, cause error) *goerrors.Error {
	return wrap(cause, ErrCodePollFailed, "Plugin poll failed").
		WithContext("role", string(role)).
		WithSeverity("warning")
}

func NewPollReportedError(role Role, message string) *goerrors.Error {
	return goerrors.New(ErrCodePollReported, "Plugin reported error: "+message).
		WithContext("role", string(role)).
		WithSeverity("warning")
}

func NewPollMalformedError(role Role, detail string) *goerrors.Error {
	return goerrors.New(ErrCodePollMalformed, "Malformed poll payload: "+detail).
		WithContext("role", string(role)).
		WithSeverity("warning")
}

func NewPollTimeoutError(role Role, timeout time.Duration) *goerrors.Error {
	return goerrors.New(ErrCodePollTimeout, "Plugin call exceeded deadline").
		WithContext("role", string(role)).
		WithContext("timeout", timeout.String()).
		WithSeverity("warning")
}

// Render errors

func NewRenderError(role Role, cause error) *goerrors.Error {
	return wrap(cause, ErrCodeRenderFailed, "Dashboard render failed").
		WithContext("role", string(role)).
		WithSeverity("warning")
}

func NewUpdateError(role Role, cause error) *goerrors.Error {
	return wrap(cause, ErrCodeUpdateFailed, "Display update failed").
		WithContext("role", string(role)).
		WithSeverity("warning")
}

// Forward errors

func NewForwardFailedError(peer string, cause error) *goerrors.Error {
	return wrap(cause, ErrCodeForwardFailed, "Failed to forward readings").
		WithContext("peer", peer).
		WithSeverity("warning").
		AsRetryable()
}

func NewForwardRejectedError(peer string, status int) *goerrors.Error {
	return goerrors.New(ErrCodeForwardRejected, "Hub rejected forwarded readings").
		WithContext("peer", peer).
		WithContext("status", status).
		WithSeverity("warning").
		AsRetryable()
}

// Reload errors

func NewReloadStatError(role Role, path string, cause error) *goerrors.Error {
	return wrap(cause, ErrCodeReloadStat, "Cannot stat plugin binary").
		WithContext("role", string(role)).
		WithContext("path", path).
		WithSeverity("warning")
}

func NewReloadFailedError(role Role, path string, cause error) *goerrors.Error {
	return wrap(cause, ErrCodeReloadFailed, "Hot reload failed, previous version kept").
		WithUserMessage("The updated plugin could not be loaded; the running version stays active").
		WithContext("role", string(role)).
		WithContext("path", path).
		WithSeverity("warning")
}

func NewPluginNotLoadedError(role Role) *goerrors.Error {
	return goerrors.New(ErrCodePluginNotLoaded, "Plugin not loaded").
		WithContext("role", string(role)).
		WithSeverity("warning")
}

// ErrorCode returns the code of the first coded error in err's chain.
func ErrorCode(err error) (string, bool) {
	var coded *goerrors.Error
	if errors.As(err, &coded) {
		return string(coded.Code), true
	}
	return "", false
}

func hasClass(err error, prefix string) bool {
	code, ok := ErrorCode(err)
	return ok && strings.HasPrefix(code, prefix)
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	got, ok := ErrorCode(err)
	return ok && got == code
}

func IsLoadError(err error) bool          { return hasClass(err, classLoad) }
func IsInstantiationError(err error) bool { return hasClass(err, classInstantiate) }
func IsCapabilityError(err error) bool    { return hasClass(err, classCapability) }
func IsPollError(err error) bool          { return hasClass(err, classPoll) }
func IsRenderError(err error) bool        { return hasClass(err, classRender) }
func IsForwardError(err error) bool       { return hasClass(err, classForward) }
func IsReloadError(err error) bool        { return hasClass(err, classReload) }

// IsStartupFatal reports whether err must abort startup: a load or
// instantiation failure for an enabled role.
func IsStartupFatal(err error) bool {
	return IsLoadError(err) || IsInstantiationError(err)
}
