package pd

// The send and receive queues are singly-linked lists of elements headed in
// the session. Iteration order is stable across a single scan; insertion
// appends at the tail.

// appendElement links elt at the tail of the queue headed at *head.
func appendElement(head **Element, elt *Element) {
	if *head == nil {
		*head = elt
		return
	}
	cur := *head
	for cur.next != nil {
		cur = cur.next
	}
	cur.next = elt
}

// deleteElement unlinks elt from the queue headed at *head. Returns whether
// the element was found.
func deleteElement(head **Element, elt *Element) bool {
	if *head == nil || elt == nil {
		return false
	}
	if *head == elt {
		*head = elt.next
		elt.next = nil
		return true
	}
	for cur := *head; cur.next != nil; cur = cur.next {
		if cur.next == elt {
			cur.next = elt.next
			elt.next = nil
			return true
		}
	}
	return false
}

// findByComID returns the first element with the given ComID.
func findByComID(head *Element, comID uint32) *Element {
	for cur := head; cur != nil; cur = cur.next {
		if cur.addr.ComID == comID {
			return cur
		}
	}
	return nil
}

// findSubscriber matches an incoming frame against the receive queue.
// A subscriber matches on ComID plus delivery address: for multicast
// subscriptions the group that actually delivered the frame, for unicast
// either an exact destination or an unbound (any-destination) subscription.
// A nonzero source filter additionally pins the sender.
func findSubscriber(head *Element, comID, srcIP, destIP uint32) *Element {
	for cur := head; cur != nil; cur = cur.next {
		if cur.addr.ComID != comID {
			continue
		}
		if cur.addr.McGroup != 0 {
			if cur.addr.McGroup != destIP {
				continue
			}
		} else if cur.addr.DestIP != 0 && cur.addr.DestIP != destIP {
			continue
		}
		if cur.addr.SrcIP != 0 && cur.addr.SrcIP != srcIP {
			continue
		}
		return cur
	}
	return nil
}
