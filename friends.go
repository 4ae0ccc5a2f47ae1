package tasksync

import "context"

// Friends manages the current user's friendships and incoming friend
// requests.
type Friends struct {
	userID   string
	caller   Caller
	coord    *Coordinator
	friends  *Store[Friend]
	requests *Store[FriendRequest]
}

func newFriends(e *Engine) *Friends {
	return &Friends{
		userID: e.cfg.UserID,
		caller: e.caller,
		coord:  e.coord,
		friends: NewStore(e, Definition[Friend]{
			Domain: DomainFriendships,
			Filter: func(userID string) Filter {
				return Filter{Table: "friendships", Column: "user_id", Value: userID}
			},
			Fetch: fetchList[Friend]("get_friends", "user_id"),
		}),
		requests: NewStore(e, Definition[FriendRequest]{
			Domain: DomainFriendRequests,
			Filter: func(userID string) Filter {
				return Filter{Table: "friend_requests", Column: "receiver_id", Value: userID}
			},
			Fetch: fetchList[FriendRequest]("get_friend_requests", "user_id"),
		}),
	}
}

// Friends is the store of users related to the current user, keyed by
// user id.
func (f *Friends) Friends() *Store[Friend] { return f.friends }

// Requests is the store of requests addressed to the current user.
func (f *Friends) Requests() *Store[FriendRequest] { return f.requests }

// Load subscribes to both friendships and friend requests.
func (f *Friends) Load(ctx context.Context) error {
	err := f.friends.Subscribe(ctx, f.userID)
	if rerr := f.requests.Subscribe(ctx, f.userID); err == nil {
		err = rerr
	}
	return err
}

// List returns the cached friend rows.
func (f *Friends) List() []Friend {
	return f.friends.State(f.userID).Data
}

// Pending returns the cached incoming requests.
func (f *Friends) Pending() []FriendRequest {
	return f.requests.State(f.userID).Data
}

// AcceptRequest accepts an incoming request. The requester immediately shows
// as a friend with no pending request; the request leaves the pending list.
func (f *Friends) AcceptRequest(ctx context.Context, requestID string) error {
	if !f.knowsRequest(requestID) {
		return ErrRequestNotFound
	}
	return f.resolveRequest(ctx, "accept_friend_request", requestID, func(r Friend) Friend {
		r.IsFriend = true
		r.HasPendingRequest = false
		r.RequestID = ""
		r.RequestIncoming = false
		return r
	})
}

// RejectRequest declines an incoming request.
func (f *Friends) RejectRequest(ctx context.Context, requestID string) error {
	if !f.knowsRequest(requestID) {
		return ErrRequestNotFound
	}
	return f.resolveRequest(ctx, "reject_friend_request", requestID, func(r Friend) Friend {
		r.HasPendingRequest = false
		r.RequestID = ""
		r.RequestIncoming = false
		return r
	})
}

// SendRequest asks userID to become a friend.
func (f *Friends) SendRequest(ctx context.Context, userID string) error {
	token := NewToken()
	return f.friends.Mutate(ctx, f.userID, "send_friend_request", token,
		Update(ConfirmedID(userID), func(r Friend) Friend {
			r.HasPendingRequest = true
			r.RequestIncoming = false
			return r
		}),
		func(ctx context.Context) error {
			return f.caller.Call(ctx, "send_friend_request", map[string]any{
				"receiver_id":  userID,
				"client_token": token,
			}, nil)
		})
}

// Remove ends a friendship.
func (f *Friends) Remove(ctx context.Context, friendID string) error {
	return f.friends.Mutate(ctx, f.userID, "remove_friend", NewToken(),
		Remove[Friend](ConfirmedID(friendID)),
		func(ctx context.Context) error {
			return f.caller.Call(ctx, "remove_friend", map[string]any{"friend_id": friendID}, nil)
		})
}

// resolveRequest runs one RPC that both rewrites the requester's friend row
// and drops the request from the pending list. Only the friendships side
// reports a failure, so a rejected call surfaces exactly one error.
func (f *Friends) resolveRequest(ctx context.Context, name, requestID string, fn func(Friend) Friend) error {
	reqToken := NewToken()
	return f.friends.Mutate(ctx, f.userID, name, NewToken(),
		UpdateWhere(func(r Friend) bool { return r.RequestID == requestID }, fn),
		func(ctx context.Context) error {
			reqCache := f.requests.state(f.userID).cache
			_, applied := ApplyOptimistic(f.coord, reqCache, f.requests.Key(f.userID), reqToken, name, Remove[FriendRequest](ConfirmedID(requestID)))

			err := f.caller.Call(ctx, name, map[string]any{"request_id": requestID}, nil)
			if applied {
				if err != nil {
					f.coord.Rollback(reqToken, err)
				} else {
					f.coord.Commit(reqToken)
				}
			}
			return err
		})
}

func (f *Friends) knowsRequest(requestID string) bool {
	if _, ok := f.requests.find(f.userID, func(r FriendRequest) bool { return r.ID == requestID }); ok {
		return true
	}
	_, ok := f.friends.find(f.userID, func(r Friend) bool { return r.RequestID == requestID })
	return ok
}
