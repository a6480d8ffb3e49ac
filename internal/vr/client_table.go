package vr

// clientEntry is what a replica remembers about a client: the latest request number it has seen and, once that request
// is executed, its result.
type clientEntry[S any] struct {
	requestNumber int
	result        S
	executed      bool
}

// clientTable deduplicates client requests so each (client, request number) pair is executed at most once
type clientTable[S any] map[string]*clientEntry[S]

// requestNumber returns the latest request number seen from clientID, or -1
func (t clientTable[S]) requestNumber(clientID string) int {
	if entry, ok := t[clientID]; ok {
		return entry.requestNumber
	}
	return -1
}

// reset records requestNumber as the latest, not yet executed, request of clientID
func (t clientTable[S]) reset(clientID string, requestNumber int) {
	t[clientID] = &clientEntry[S]{requestNumber: requestNumber}
}

// advance records requestNumber unless a newer request of clientID is already known
func (t clientTable[S]) advance(clientID string, requestNumber int) {
	if entry, ok := t[clientID]; !ok || entry.requestNumber < requestNumber {
		t.reset(clientID, requestNumber)
	}
}

// executed stores the result of requestNumber if it is still the latest request of clientID
func (t clientTable[S]) executed(clientID string, requestNumber int, result S) {
	if entry, ok := t[clientID]; ok && entry.requestNumber == requestNumber {
		entry.result = result
		entry.executed = true
	}
}
