package relay

// Kind classifies an event's retention and routing semantics. The
// integer kind number itself is never interpreted beyond this mapping.
type Kind int

const (
	KindInvalid Kind = iota
	KindRegular
	KindEphemeral
	KindReplaceable
	KindAddressable
	KindSyncable
	KindPurge
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindEphemeral:
		return "ephemeral"
	case KindReplaceable:
		return "replaceable"
	case KindAddressable:
		return "addressable"
	case KindSyncable:
		return "syncable"
	case KindPurge:
		return "purge"
	default:
		return "invalid"
	}
}

// PurgeKind is the single reserved kind number that deletes a document.
const PurgeKind = 49999

// SyncableMin and SyncableMax bound the syncable kind range, excluding
// the purge kind which sits just above it.
const (
	SyncableMin = 40000
	SyncableMax = 49998
)

// Classify maps an integer kind to its retention class. Evaluated in
// precedence order: replaceable, ephemeral, addressable, purge,
// syncable, regular, else invalid.
func Classify(kind int) Kind {
	switch {
	case kind == 0 || kind == 3 || (kind >= 10000 && kind <= 19999):
		return KindReplaceable
	case kind >= 20000 && kind <= 29999:
		return KindEphemeral
	case kind >= 30000 && kind <= 39999:
		return KindAddressable
	case kind == PurgeKind:
		return KindPurge
	case kind >= SyncableMin && kind <= SyncableMax:
		return KindSyncable
	case kind == 1 || kind == 2 || (kind >= 4 && kind <= 44) || (kind >= 1000 && kind <= 9999):
		return KindRegular
	default:
		return KindInvalid
	}
}

// IsSyncableKind reports whether kind falls in the syncable range,
// used when parsing a purge event's "k" tag.
func IsSyncableKind(kind int) bool {
	return kind >= SyncableMin && kind <= SyncableMax
}
