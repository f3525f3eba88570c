package planner

// Flag is the write planner's option bitset, mirroring the named options a
// write_planner/overwrite caller selects from.
type Flag uint32

const (
	CheckIntegrity Flag = 1 << iota
	NoCheckIntegrity
	Pipable
	NotPipable
	Recompress
	Fsync
	Rebuild
	SoftDelete
	IgnoreReadonly
	SkipExternalWIMs
	RetainGUID
	PackStreams
	SendDoneWithFileMessages
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }
