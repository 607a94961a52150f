package turn

// Observer receives controller notifications. Methods are called on the
// goroutine that runs Tick and must not block.
type Observer interface {
	OnStateChanged(state State)
	OnUserTranscript(text string)
	OnAssistantTranscript(text string)
	OnError(err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StateChanged        func(State)
	UserTranscript      func(string)
	AssistantTranscript func(string)
	Error               func(error)
}

var _ Observer = ObserverFuncs{}

func (o ObserverFuncs) OnStateChanged(state State) {
	if o.StateChanged != nil {
		o.StateChanged(state)
	}
}

func (o ObserverFuncs) OnUserTranscript(text string) {
	if o.UserTranscript != nil {
		o.UserTranscript(text)
	}
}

func (o ObserverFuncs) OnAssistantTranscript(text string) {
	if o.AssistantTranscript != nil {
		o.AssistantTranscript(text)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// Observers fans notifications out to each observer in order.
type Observers []Observer

func (obs Observers) OnStateChanged(state State) {
	for _, o := range obs {
		o.OnStateChanged(state)
	}
}

func (obs Observers) OnUserTranscript(text string) {
	for _, o := range obs {
		o.OnUserTranscript(text)
	}
}

func (obs Observers) OnAssistantTranscript(text string) {
	for _, o := range obs {
		o.OnAssistantTranscript(text)
	}
}

func (obs Observers) OnError(err error) {
	for _, o := range obs {
		o.OnError(err)
	}
}
