package ice

// Stream is a group of components checked together for connectivity
// (spec §3): typically one per media line, with one component for RTP
// and, absent rtcp-mux, a second for RTCP.
type Stream struct {
	ID int

	agent      *Agent
	components []*Component

	localUfrag    string
	localPassword string

	remoteUfrag    string
	remotePassword string
	remoteSet      bool

	gatheringDoneFired bool
}

func newStream(agent *Agent, id int, numComponents int) *Stream {
	s := &Stream{
		ID:            id,
		agent:         agent,
		localUfrag:    randomCredentialString(defaultUfragLen),
		localPassword: randomCredentialString(defaultPwdLen),
	}
	for i := 1; i <= numComponents; i++ {
		s.components = append(s.components, newComponent(agent, s, i))
	}
	return s
}

func (s *Stream) component(id int) *Component {
	for _, c := range s.components {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// setRemoteCredentials implements spec's set_remote_credentials: remote
// ufrag/password arrive out of band (signalling) before checks can
// start. Per spec §4.3.5, any frozen pair foundations already formed from
// previously-learned remote candidates become eligible once this is set.
func (s *Stream) setRemoteCredentials(ufrag, password string) {
	s.remoteUfrag = ufrag
	s.remotePassword = password
	s.remoteSet = true
}

// localCredentials implements spec's get_local_credentials.
func (s *Stream) localCredentials() (ufrag, password string) {
	return s.localUfrag, s.localPassword
}

func (s *Stream) close() {
	for _, c := range s.components {
		c.close()
	}
}
