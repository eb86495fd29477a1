package message

// Error-name constants for the driver's reserved error vocabulary. These
// are wire-level dotted strings, carried in Header.ErrorName; they are
// distinct from the bus package's Go sentinel errors, which classify a
// failure for the broker's own control flow rather than name it on the
// wire.
const (
	NoMemory            = "org.freedesktop.DBus.Error.NoMemory"
	ServiceDoesNotExist = "org.freedesktop.DBus.Error.ServiceDoesNotExist"
	ServiceUnknown      = "org.freedesktop.DBus.Error.ServiceUnknown"
	AccessDenied        = "org.freedesktop.DBus.Error.AccessDenied"
	InvalidArgs         = "org.freedesktop.DBus.Error.InvalidArgs"
	NameHasNoOwner      = "org.freedesktop.DBus.Error.NameHasNoOwner"
)
