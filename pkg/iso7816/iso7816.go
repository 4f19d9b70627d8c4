/*
Package iso7816 frames the APDUs a Calypso terminal exchanges with its portable object and its
SAM.

A command is a header (CLA INS P1 P2) followed by an optional Lc and data field and an optional
Le. A response is an optional data field followed by the status word SW1 SW2. Besides 9000,
Calypso cards answer 6200 to stored value operations whose outcome is postponed to the session
closing, and T=0 readers surface the 61XX and 6CXX procedure words that Client resolves.

	client := iso7816.NewClient(card)
	cls, _ := iso7816.NewClass(0x00)

	resp, err := client.Exchange(iso7816.SelectByAID(cls, aid))
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("select: %s", resp.Status.Verbose())
	}
	fci, err := calypso.ParseFCI(resp.Data)
*/
package iso7816
