package signals

import "github.com/aui-framework/aui-go/auicore/disposable"

// CompositeSignalImp fans connections and emissions out to several signals
// carrying the same arguments.
type CompositeSignalImp[A any] struct {
	delegates []Signal[A]
}

func NewCompositeSignal[A any](delegates ...Signal[A]) *CompositeSignalImp[A] {
	return &CompositeSignalImp[A]{delegates: delegates}
}

func (s *CompositeSignalImp[A]) Connect(receiver Receiver, fn Slot[A]) *disposable.CompositeDisposable {
	connections := disposable.NewCompositeDisposable()
	for _, delegate := range s.delegates {
		connections.Add(delegate.Connect(receiver, fn))
	}
	return connections
}

func (s *CompositeSignalImp[A]) DisconnectReceiver(receiver Receiver) {
	for _, delegate := range s.delegates {
		delegate.DisconnectReceiver(receiver)
	}
}

func (s *CompositeSignalImp[A]) Emit(args A) {
	for _, delegate := range s.delegates {
		delegate.Emit(args)
	}
}
