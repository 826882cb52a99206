package pipeline

// Code is the result an action completes with. Anything other than
// CodeSuccess halts the pipeline immediately.
type Code int

const (
	CodeSuccess Code = iota
	CodeError
	CodeCanceled
	CodeFilesystemWriterError
	CodePostinstallRunnerError
	CodePostinstallFirmwareSlotA
	CodePostinstallFirmwareSlotB
)

// String returns the code name used in logs
func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeError:
		return "ERROR"
	case CodeCanceled:
		return "CANCELED"
	case CodeFilesystemWriterError:
		return "FILESYSTEM_WRITER_ERROR"
	case CodePostinstallRunnerError:
		return "POSTINSTALL_RUNNER_ERROR"
	case CodePostinstallFirmwareSlotA:
		return "POSTINSTALL_FIRMWARE_SLOT_A"
	case CodePostinstallFirmwareSlotB:
		return "POSTINSTALL_FIRMWARE_SLOT_B"
	default:
		return "UNKNOWN"
	}
}
