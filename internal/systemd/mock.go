package systemd

// MockManager is a test helper implementing ServiceManager.
type MockManager struct {
	InstallServiceFunc func(binary string) error
	InstallPolicyFunc  func(userName string) error
	RestartFunc        func(unitName string) error
	StatusFunc         func(unitName string) (string, error)
}

func (m *MockManager) InstallService(binary string) error {
	if m != nil && m.InstallServiceFunc != nil {
		return m.InstallServiceFunc(binary)
	}
	return nil
}

func (m *MockManager) InstallPolicy(userName string) error {
	if m != nil && m.InstallPolicyFunc != nil {
		return m.InstallPolicyFunc(userName)
	}
	return nil
}

func (m *MockManager) Restart(unitName string) error {
	if m != nil && m.RestartFunc != nil {
		return m.RestartFunc(unitName)
	}
	return nil
}

func (m *MockManager) Status(unitName string) (string, error) {
	if m != nil && m.StatusFunc != nil {
		return m.StatusFunc(unitName)
	}
	return "", nil
}
