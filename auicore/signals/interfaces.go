package signals

// Control is returned by slots connected with ConnectControl.
type Control uint8

const (
	Keep Control = iota
	// Disconnect removes the connection after the slot returns.
	Disconnect
)

type Slot[A any] func(A)

type ControlSlot[A any] func(A) Control

// Receiver is implemented by every type that embeds *Object.
type Receiver interface {
	object() *Object
}

type Signal[A any] interface {
	Connect(receiver Receiver, slot Slot[A]) *Connection
	ConnectControl(receiver Receiver, slot ControlSlot[A]) *Connection
	Emit(args A)
	DisconnectReceiver(receiver Receiver)
	DisconnectAll()
	Destroy()
	Len() int
	IsEmpty() bool
}
