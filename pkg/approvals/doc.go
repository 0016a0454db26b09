// Package approvals implements the approval workflow for breaching
// transactions.
//
// A request moves from pending to approved, rejected or expired. Only
// holders of one of the rule's approver roles may decide, the requester may
// never decide on their own request, and each approver decides once. A
// single rejection rejects the request; requiredApprovals approvals approve
// it and issue a single-use override grant for the requested amount.
//
// Every state change publishes a notify.Event.
package approvals
