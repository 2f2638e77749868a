// Package script parses the flashing script found in MStar firmware headers.
//
// Only six commands are understood: setenv, filepartload, store_secure_info,
// store_nuttx_config, sparse_write and mmc. Anything else in the script is a
// bootloader command that has no bearing on where partitions live in the image,
// and is ignored.
package script

// Kind of a parsed command.
type Kind int

const (
	KindSetEnv Kind = iota
	KindFilePartLoad
	KindStoreSecureInfo
	KindStoreNuttxConfig
	KindSparseWrite
	KindMmc
)

func (k Kind) String() string {
	switch k {
	case KindSetEnv:
		return "setenv"
	case KindFilePartLoad:
		return "filepartload"
	case KindStoreSecureInfo:
		return "store_secure_info"
	case KindStoreNuttxConfig:
		return "store_nuttx_config"
	case KindSparseWrite:
		return "sparse_write"
	case KindMmc:
		return "mmc"
	}
	return "UNKNOWN"
}

// Command is one of SetEnv, FilePartLoad, StoreSecureInfo, StoreNuttxConfig,
// SparseWrite or Mmc.
type Command interface {
	Kind() Kind
}

// SetEnv sets Key to Value, or unsets Key if Unset is true.
type SetEnv struct {
	Key   string
	Value string
	Unset bool
}

// FilePartLoad sets the pending range consumed by all following data commands.
type FilePartLoad struct {
	// Load address and file name, kept for display only.
	Addr string
	File string

	Offset uint64
	Size   uint64
}

type StoreSecureInfo struct {
	Name string
}

type StoreNuttxConfig struct {
	Name string
}

// SparseWrite is one segment of an android sparse image for partition Name.
type SparseWrite struct {
	Device string
	Name   string
}

type MmcAction string

const (
	MmcWriteBoot      MmcAction = "write.boot"
	MmcWriteP         MmcAction = "write.p"
	MmcWritePContinue MmcAction = "write.p.continue"
	MmcUnlzo          MmcAction = "unlzo"
	MmcUnlzoContinue  MmcAction = "unlzo.continue"
)

// Known returns whether the action has any effect on extraction. Unknown
// actions (erase.p, create, ...) are parsed but inert.
func (a MmcAction) Known() bool {
	switch a {
	case MmcWriteBoot, MmcWriteP, MmcWritePContinue, MmcUnlzo, MmcUnlzoContinue:
		return true
	}
	return false
}

type Mmc struct {
	Action MmcAction
	// Name is the target partition. Empty for unknown actions.
	Name string
	// BootIndex is only set for write.boot.
	BootIndex int
}

func (SetEnv) Kind() Kind           { return KindSetEnv }
func (FilePartLoad) Kind() Kind     { return KindFilePartLoad }
func (StoreSecureInfo) Kind() Kind  { return KindStoreSecureInfo }
func (StoreNuttxConfig) Kind() Kind { return KindStoreNuttxConfig }
func (SparseWrite) Kind() Kind      { return KindSparseWrite }
func (Mmc) Kind() Kind              { return KindMmc }
