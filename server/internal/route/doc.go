// Package route maps incident events to notification channels.
//
// Rules are evaluated in descending priority; the first rule whose clauses all
// match wins. Ties are ordered by declaration or by rule name, as configured.
// Events matching no rule go to the default channel and are flagged Unrouted.
// Route has no side effects, so identical inputs always give identical output.
package route
