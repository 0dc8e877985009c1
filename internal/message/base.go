package message

// Base is embedded by concrete message types to satisfy the bookkeeping
// half of the Message interface (id, type, refcount), leaving Serialize
// as the only method an application type must implement itself.
type Base struct {
	id       uint16
	typ      Type
	refCount int
}

// NewBase returns a Base with a reference count of one, as CreateMessage
// hands back to its caller.
func NewBase(typ Type) Base {
	return Base{typ: typ, refCount: 1}
}

func (b *Base) Id() uint16      { return b.id }
func (b *Base) SetId(id uint16) { b.id = id }

func (b *Base) MessageType() Type { return b.typ }

func (b *Base) IsBlockMessage() bool { return false }

func (b *Base) RefCount() int { return b.refCount }
func (b *Base) AddRef()       { b.refCount++ }
func (b *Base) release() int  { b.refCount--; return b.refCount }

// BlockBase embeds Base and adds the byte-payload storage shared by all
// block message types.
type BlockBase struct {
	Base
	data []byte
}

// NewBlockBase returns a BlockBase with a reference count of one.
func NewBlockBase(typ Type) BlockBase {
	return BlockBase{Base: NewBase(typ)}
}

func (b *BlockBase) IsBlockMessage() bool { return true }

func (b *BlockBase) BlockData() []byte { return b.data }
func (b *BlockBase) SetBlockData(data []byte) { b.data = data }
func (b *BlockBase) BlockSize() int { return len(b.data) }
