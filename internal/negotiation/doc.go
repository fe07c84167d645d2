// Package negotiation manages single-use accept/reject tokens for
// negotiation offers.
//
// Each offer moves through unconsumed (local estimate), unconsumed
// (authoritative) and exactly one terminal state: accepted, rejected or
// expired. A task whose status has moved past the actionable phase expires
// its offer regardless of any timer.
package negotiation
